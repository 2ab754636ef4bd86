// openrecgraph program
// Renders a charter's matching.instructions as a graphviz dot file (or a
// rendered image), so a reviewer can see the project/merge/group pipeline
// a charter describes without tracing through its YAML by hand.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/emicklei/dot"
	"github.com/goccy/go-graphviz"
	"github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/openrec/openrec/config"
	"github.com/openrec/openrec/internal/version"
)

// buildGraph lays out one node per instruction in declared order, edged
// sequentially to show pipeline flow, plus one node per declared source
// file pattern feeding the first instruction.
func buildGraph(ch *config.Charter) *dot.Graph {
	g := dot.NewGraph(dot.Directed)
	g.Attr("rankdir", "LR")
	g.Attr("label", fmt.Sprintf("%s (%s)", ch.Name, ch.Version))

	sourceNodes := make([]dot.Node, 0, len(ch.Matching.SourceFiles))
	for _, sf := range ch.Matching.SourceFiles {
		label := sf.Pattern
		if sf.FieldPrefix != "" {
			label = fmt.Sprintf("%s\\n(%s)", sf.Pattern, sf.FieldPrefix)
		}
		n := g.Node(label).Box()
		sourceNodes = append(sourceNodes, n)
	}

	var prev dot.Node
	havePrev := false
	for i, instr := range ch.Matching.Instructions {
		label := instructionLabel(i, instr)
		n := g.Node(label)
		switch instr.Kind {
		case config.InstructionGroup:
			n = n.Attr("shape", "doublecircle")
		case config.InstructionMerge:
			n = n.Attr("shape", "ellipse")
		default:
			n = n.Attr("shape", "box")
		}
		if i == 0 {
			for _, sn := range sourceNodes {
				g.Edge(sn, n)
			}
		}
		if havePrev {
			g.Edge(prev, n)
		}
		prev, havePrev = n, true
	}
	return g
}

func instructionLabel(idx int, instr config.Instruction) string {
	switch instr.Kind {
	case config.InstructionProject:
		return fmt.Sprintf("#%d project\\n%s = %s (%s)", idx, instr.Column, instr.From, instr.AsA)
	case config.InstructionMerge:
		return fmt.Sprintf("#%d merge\\n%s -> %s", idx, strings.Join(instr.Columns, ", "), instr.Into)
	case config.InstructionGroup:
		return fmt.Sprintf("#%d group\\nby %s\\n(%d constraints)", idx, strings.Join(instr.By, ", "), len(instr.MatchWhen))
	default:
		return fmt.Sprintf("#%d %s", idx, instr.Kind)
	}
}

// renderFormatFor picks a graphviz output format from the output path's
// extension, defaulting to raw dot text for anything unrecognised.
func renderFormatFor(path string) (graphviz.Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return graphviz.PNG, true
	case ".svg":
		return graphviz.SVG, true
	case ".pdf":
		return graphviz.PDF, true
	default:
		return "", false
	}
}

func main() {
	var (
		charterPath = kingpin.Arg(
			"charter",
			"Charter YAML file to visualize.",
		).Required().String()
		output = kingpin.Flag(
			"output",
			"File to write: .png/.svg/.pdf renders an image, anything else writes raw dot.",
		).Short('o').Default("charter.dot").String()
	)
	kingpin.UsageTemplate(kingpin.CompactUsageTemplate).Version(version.Print("openrecgraph")).Author("openrec")
	kingpin.CommandLine.Help = "Renders a charter's matching instructions as a graphviz diagram.\n"
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := logrus.New()
	logger.Level = logrus.InfoLevel

	ch, err := config.LoadFile(*charterPath)
	if err != nil {
		logger.Errorf("failed to load charter %s: %v", *charterPath, err)
		os.Exit(1)
	}

	g := buildGraph(ch)

	if format, isImage := renderFormatFor(*output); isImage {
		gv := graphviz.New()
		defer gv.Close()
		parsed, err := graphviz.ParseBytes([]byte(g.String()))
		if err != nil {
			logger.Errorf("failed to parse generated dot: %v", err)
			os.Exit(1)
		}
		if err := gv.RenderFilename(parsed, format, *output); err != nil {
			logger.Errorf("failed to render %s: %v", *output, err)
			os.Exit(1)
		}
		logger.Infof("wrote %s (%s)", *output, format)
		return
	}

	f, err := os.OpenFile(*output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		logger.Errorf("failed to open %s: %v", *output, err)
		os.Exit(1)
	}
	defer f.Close()
	if _, err := f.WriteString(g.String()); err != nil {
		logger.Errorf("failed to write %s: %v", *output, err)
		os.Exit(1)
	}
	logger.Infof("wrote %s", *output)
}
