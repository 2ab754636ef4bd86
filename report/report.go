// Package report writes the matched-report JSON document: one job's
// matched groups plus any changeset releases, as the durable audit
// trail committed only once a job finishes successfully. The document is
// built in memory from the pipeline's in-job results and committed with
// the same atomic-rename discipline the CSV writers use.
package report

import (
	"encoding/json"

	"github.com/openrec/openrec/config"
	"github.com/openrec/openrec/internal/changeset"
	"github.com/openrec/openrec/internal/csvio"
	"github.com/openrec/openrec/internal/pipeline"
)

// Record is one matched member of a Group: its `{file, row, OpenRecId}` tuple.
type Record struct {
	File      string `json:"file"`
	Row       int    `json:"row"`
	OpenRecId string `json:"OpenRecId"`
}

// Group is one released candidate group: the constraints it satisfied
// plus its member records.
type Group struct {
	Constraints []config.ConstraintConfig `json:"constraints"`
	Records     []Record                  `json:"records"`
}

// CharterRef identifies the charter a job ran under.
type CharterRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ChangesetRelease is one record the changeset replayer suppressed before
// the match job proper, included in the report for audit purposes.
type ChangesetRelease struct {
	ChangesetID string `json:"changeset_id"`
	Filename    string `json:"filename"`
	Row         int    `json:"row"`
	OpenRecId   string `json:"OpenRecId"`
}

// Report is the full `matched/<ts>_matched.json` document.
type Report struct {
	JobId             string             `json:"job_id"`
	Charter           CharterRef         `json:"charter"`
	StartedAt         string             `json:"started_at"`
	FinishedAt        string             `json:"finished_at"`
	Groups            []Group            `json:"groups"`
	ChangesetReleases []ChangesetRelease `json:"changeset_releases"`
}

// Build assembles a Report from one job's pipeline output and changeset
// releases, resolving each matched group's instruction index back to the
// charter's declared `match_when` so the report is self-describing
// without the reader needing the charter alongside it.
func Build(jobID string, ch *config.Charter, startedAt, finishedAt string, matched []pipeline.MatchedGroup, releases []changeset.Release) Report {
	groups := make([]Group, len(matched))
	for i, m := range matched {
		var constraints []config.ConstraintConfig
		if m.Instruction >= 0 && m.Instruction < len(ch.Matching.Instructions) {
			constraints = ch.Matching.Instructions[m.Instruction].MatchWhen
		}
		records := make([]Record, len(m.Members))
		for j, loc := range m.Members {
			records[j] = Record{File: loc.Filename, Row: loc.Row, OpenRecId: loc.OpenRecId}
		}
		groups[i] = Group{Constraints: constraints, Records: records}
	}
	rel := make([]ChangesetRelease, len(releases))
	for i, r := range releases {
		rel[i] = ChangesetRelease{ChangesetID: r.ChangesetID, Filename: r.Filename, Row: r.Row, OpenRecId: r.OpenRecId}
	}
	return Report{
		JobId:             jobID,
		Charter:           CharterRef{Name: ch.Name, Version: ch.Version},
		StartedAt:         startedAt,
		FinishedAt:        finishedAt,
		Groups:            groups,
		ChangesetReleases: rel,
	}
}

// WriteAtomic marshals r as indented JSON and commits it via csvio's
// atomic `.inprogress`-then-rename helper — the rename is the commit point, so
// no partial matched/*.json is ever visible without `.inprogress`.
func WriteAtomic(path string, r Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return csvio.WriteFileAtomic(path, data)
}
