// Package compiler turns textual network descriptions into placed model files.
//
// The source is line oriented: one directive per line, '#' starts a comment.
//
//	name      har
//	format    float16                # weight storage format, float32 by default
//	input     input_0 5 1 6          # C H W, or a single element count
//	dense     dense_3 30
//	relu      dense_3_nl
//	iterate   i 1 2 {                # $i is replaced in every line of the block
//	dense     hidden_$i 16
//	tanh      hidden_$i_nl
//	}
//	dense     logits 2
//	softmax   probs
//	weights   random 42              # zeros | random <seed> | file <path> | hex <data>
//
// Compilation builds the chain with model.Builder, places both arenas with
// the planner, embeds the weights when a weights directive is present and
// writes the result with model.WriteFile.
package compiler

import (
	"encoding/hex"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/sbl8/staticnn/core"
	"github.com/sbl8/staticnn/model"
	"github.com/sbl8/staticnn/planner"
)

// WeightsMode selects how the embedded weights are produced.
type WeightsMode uint8

const (
	WeightsNone WeightsMode = iota // no weights directive: the host supplies them
	WeightsZeros
	WeightsRandom
	WeightsFile
	WeightsHex
)

// LayerDecl is one layer directive.
type LayerDecl struct {
	Line       int
	Name       string
	Dense      bool
	Units      int
	Activation model.Activation
}

// Source is a parsed network description.
type Source struct {
	Name       string
	Signature  string
	Format     core.Format
	InputName  string
	InputShape core.Shape
	Layers     []LayerDecl

	Weights     WeightsMode
	WeightsSeed int64
	WeightsPath string
	WeightsData []byte // little-endian float32 parameter values, WeightsHex only

	dir string // base for relative weight files
}

// CompileOptions configures the compilation process
type CompileOptions struct {
	Alignment     int  // arena offset alignment in bytes, a power of two >= 4
	InPlace       bool // let element-wise layers overwrite their input
	ValidateGraph bool // re-check the placed graph for aliasing before writing
}

// DefaultOptions provides sensible compilation defaults
func DefaultOptions() CompileOptions {
	return CompileOptions{
		Alignment:     core.DefaultAlignment,
		InPlace:       true,
		ValidateGraph: true,
	}
}

func (o CompileOptions) plannerOptions() planner.Options {
	return planner.Options{Alignment: o.Alignment, InPlace: o.InPlace}
}

// Compile turns a source file into a model file with default options.
func Compile(src, out string) error {
	return CompileWithOptions(src, out, DefaultOptions())
}

// CompileWithOptions turns a source file into a model file.
func CompileWithOptions(src, out string, opts CompileOptions) error {
	klog.V(1).Infof("compiling %s -> %s", src, out)
	data, err := os.ReadFile(src)
	if err != nil {
		return errors.Wrapf(err, "reading source %q", src)
	}
	s, err := Parse(data)
	if err != nil {
		return errors.WithMessagef(err, "parsing %q", src)
	}
	s.dir = filepath.Dir(src)
	g, err := Build(s, opts)
	if err != nil {
		return errors.WithMessagef(err, "compiling %q", src)
	}
	if err := g.WriteFile(out); err != nil {
		return err
	}
	klog.V(1).Infof("compiled %q to %s: %s, weights %d B, activations %d B",
		g.Name, out, g.Summary(), g.WeightsSize, g.ActivationsSize)
	return nil
}

// Parse reads a network description.
func Parse(src []byte) (*Source, error) {
	lines := strings.Split(string(src), "\n")
	p := &dslParser{src: &Source{Format: core.Float32}}

	for i := 0; i < len(lines); i++ {
		line := stripComment(lines[i])
		if line == "" {
			continue
		}

		next, err := p.parseLine(lines, i)
		if err != nil {
			return nil, errors.Errorf("line %d: %v", i+1, err)
		}
		i = next
	}
	if p.src.InputName == "" {
		return nil, errors.New("missing input directive")
	}
	if len(p.src.Layers) == 0 {
		return nil, errors.New("no layers declared")
	}
	if p.src.Name == "" {
		p.src.Name = "network"
	}
	return p.src, nil
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

// dslParser handles DSL parsing state
type dslParser struct {
	src *Source
}

// parseLine processes a single line and returns the index of the last line consumed
func (p *dslParser) parseLine(lines []string, idx int) (int, error) {
	fields := strings.Fields(stripComment(lines[idx]))

	switch fields[0] {
	case "iterate":
		return p.parseIterateBlock(lines, idx, fields)
	default:
		return idx, p.processSimpleLine(idx+1, fields)
	}
}

// parseIterateBlock expands `iterate <var> <start> <end> {` ... `}`, both bounds inclusive.
func (p *dslParser) parseIterateBlock(lines []string, idx int, fields []string) (int, error) {
	if len(fields) < 4 {
		return idx, errors.Errorf("invalid iterate spec: %s", strings.Join(fields, " "))
	}

	varName, start, end, err := parseIterateParams(fields)
	if err != nil {
		return idx, err
	}

	blockStart := idx
	if fields[len(fields)-1] != "{" {
		blockStart++
		for blockStart < len(lines) && stripComment(lines[blockStart]) == "" {
			blockStart++
		}
		if blockStart >= len(lines) || stripComment(lines[blockStart]) != "{" {
			return idx, errors.New("missing '{' after iterate")
		}
	}

	block, blockEnd, err := collectBlockLines(lines, blockStart)
	if err != nil {
		return idx, err
	}
	for v := start; v <= end; v++ {
		for _, bl := range block {
			expanded := expandVariable(bl.text, varName, v)
			if err := p.processSimpleLine(bl.line, strings.Fields(expanded)); err != nil {
				return idx, errors.Errorf("iterate %s=%d, line %d: %v", varName, v, bl.line, err)
			}
		}
	}
	return blockEnd, nil
}

// parseIterateParams extracts iterate parameters
func parseIterateParams(fields []string) (varName string, start, end int, err error) {
	varName = fields[1]
	start, err = strconv.Atoi(fields[2])
	if err != nil {
		return "", 0, 0, errors.Errorf("invalid iterate start %q", fields[2])
	}
	end, err = strconv.Atoi(fields[3])
	if err != nil {
		return "", 0, 0, errors.Errorf("invalid iterate end %q", fields[3])
	}
	if end < start {
		return "", 0, 0, errors.Errorf("empty iterate range %d..%d", start, end)
	}
	return varName, start, end, nil
}

type blockLine struct {
	line int
	text string
}

// collectBlockLines gathers lines within braces
func collectBlockLines(lines []string, startIdx int) ([]blockLine, int, error) {
	var block []blockLine
	for i := startIdx + 1; i < len(lines); i++ {
		line := stripComment(lines[i])
		switch {
		case line == "}":
			return block, i, nil
		case strings.HasPrefix(line, "iterate"):
			return nil, i, errors.Errorf("line %d: nested iterate blocks are not supported", i+1)
		case line != "":
			block = append(block, blockLine{line: i + 1, text: line})
		}
	}
	return nil, len(lines), errors.New("unterminated iterate block")
}

// expandVariable replaces $varName with value in line
func expandVariable(line, varName string, value int) string {
	return strings.ReplaceAll(line, "$"+varName, strconv.Itoa(value))
}

func wantFields(fields []string, n int, usage string) error {
	if len(fields) != n {
		return errors.Errorf("usage: %s", usage)
	}
	return nil
}

// processSimpleLine handles every directive but iterate
func (p *dslParser) processSimpleLine(line int, fields []string) error {
	s := p.src
	switch fields[0] {
	case "name":
		if err := wantFields(fields, 2, "name <name>"); err != nil {
			return err
		}
		s.Name = fields[1]
	case "signature":
		if err := wantFields(fields, 2, "signature <hex>"); err != nil {
			return err
		}
		s.Signature = fields[1]
	case "format":
		if err := wantFields(fields, 2, "format float32|float16"); err != nil {
			return err
		}
		f, err := core.ParseFormat(fields[1])
		if err != nil {
			return err
		}
		s.Format = f
	case "input":
		return p.parseInputLine(fields)
	case "dense":
		if err := wantFields(fields, 3, "dense <name> <units>"); err != nil {
			return err
		}
		units, err := strconv.Atoi(fields[2])
		if err != nil || units < 1 {
			return errors.Errorf("invalid units %q", fields[2])
		}
		s.Layers = append(s.Layers, LayerDecl{Line: line, Name: fields[1], Dense: true, Units: units})
	case "weights":
		return p.parseWeightsLine(fields)
	default:
		act, err := model.ParseActivation(fields[0])
		if err != nil {
			return errors.Errorf("unknown directive: %s", fields[0])
		}
		if err := wantFields(fields, 2, fields[0]+" <name>"); err != nil {
			return err
		}
		s.Layers = append(s.Layers, LayerDecl{Line: line, Name: fields[1], Activation: act})
	}
	return nil
}

func (p *dslParser) parseInputLine(fields []string) error {
	s := p.src
	if s.InputName != "" {
		return errors.New("input already declared")
	}
	if len(s.Layers) > 0 {
		return errors.New("input must precede the layers")
	}
	if len(fields) != 3 && len(fields) != 5 {
		return errors.New("usage: input <name> <C> <H> <W> | input <name> <count>")
	}
	dims := make([]int, len(fields)-2)
	for i, f := range fields[2:] {
		d, err := strconv.Atoi(f)
		if err != nil || d < 1 {
			return errors.Errorf("invalid dimension %q", f)
		}
		dims[i] = d
	}
	s.InputName = fields[1]
	if len(dims) == 1 {
		s.InputShape = core.Vector(dims[0])
	} else {
		s.InputShape = core.Shape{1, dims[0], dims[1], dims[2]}
	}
	return nil
}

// parseWeightsLine parses a weights directive
func (p *dslParser) parseWeightsLine(fields []string) error {
	s := p.src
	if s.Weights != WeightsNone {
		return errors.New("weights already declared")
	}
	if len(fields) < 2 {
		return errors.New("usage: weights zeros | random <seed> | file <path> | hex <data>")
	}
	switch fields[1] {
	case "zeros":
		if err := wantFields(fields, 2, "weights zeros"); err != nil {
			return err
		}
		s.Weights = WeightsZeros
	case "random":
		if err := wantFields(fields, 3, "weights random <seed>"); err != nil {
			return err
		}
		seed, err := strconv.ParseInt(fields[2], 0, 64)
		if err != nil {
			return errors.Errorf("invalid seed %q", fields[2])
		}
		s.Weights, s.WeightsSeed = WeightsRandom, seed
	case "file":
		if err := wantFields(fields, 3, "weights file <path>"); err != nil {
			return err
		}
		s.Weights, s.WeightsPath = WeightsFile, fields[2]
	case "hex":
		if len(fields) < 3 {
			return errors.New("usage: weights hex <data>")
		}
		data, err := hex.DecodeString(strings.Join(fields[2:], ""))
		if err != nil {
			return errors.Wrap(err, "invalid hex weights")
		}
		s.Weights, s.WeightsData = WeightsHex, data
	default:
		return errors.Errorf("unknown weights source %q", fields[1])
	}
	return nil
}

// Build turns a parsed source into a placed, validated graph, with embedded
// weights unless the source has no weights directive.
func Build(s *Source, opts CompileOptions) (*model.Graph, error) {
	b := model.NewBuilder(s.Name).
		Signature(s.Signature).
		WeightFormat(s.Format).
		Input(s.InputName, s.InputShape)
	for _, l := range s.Layers {
		if l.Dense {
			b.Dense(l.Name, l.Units)
		} else {
			b.Activation(l.Name, l.Activation)
		}
		if b.Err() != nil {
			return nil, errors.WithMessagef(b.Err(), "line %d", l.Line)
		}
	}
	g, err := b.Build()
	if err != nil {
		return nil, err
	}

	popts := opts.plannerOptions()
	plan, err := planner.PlanGraph(g, popts)
	if err != nil {
		return nil, err
	}
	if err := planner.Apply(g, plan); err != nil {
		return nil, err
	}
	if opts.ValidateGraph {
		if err := planner.Verify(g, popts); err != nil {
			return nil, errors.WithMessage(err, "validation error")
		}
	}
	if err := fillWeights(g, s); err != nil {
		return nil, err
	}
	klog.V(1).Infof("built %q (%s): %s", g.Name, g.Signature, g.Summary())
	return g, nil
}

func fillWeights(g *model.Graph, s *Source) error {
	switch s.Weights {
	case WeightsNone:
		return nil
	case WeightsZeros:
		g.AllocWeights()
		return nil
	case WeightsRandom:
		g.AllocWeights()
		return randomWeights(g, s.WeightsSeed)
	case WeightsFile:
		path := s.WeightsPath
		if !filepath.IsAbs(path) && s.dir != "" {
			path = filepath.Join(s.dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "reading weights %q", path)
		}
		return loadWeights(g, data)
	case WeightsHex:
		return loadWeights(g, s.WeightsData)
	}
	return errors.Errorf("unknown weights mode %d", s.Weights)
}

// randomWeights fills dense weights uniformly in +-sqrt(6/(in+out)) and biases with zeros.
func randomWeights(g *model.Graph, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	for _, li := range g.Order() {
		l := &g.Layers[li]
		if len(l.Params) == 0 {
			continue
		}
		w := &g.Tensors[l.Params[0]]
		limit := math.Sqrt(6 / float64(w.Shape[0]+w.Shape[1]))
		values := make([]float32, w.Elements())
		for i := range values {
			values[i] = float32((rng.Float64()*2 - 1) * limit)
		}
		if err := g.SetParam(l.Params[0], values); err != nil {
			return err
		}
	}
	return nil
}

// loadWeights reads little-endian float32 values for every parameter tensor,
// in chain order, each in row-major order of its shape.
func loadWeights(g *model.Graph, data []byte) error {
	values, err := core.BytesToFloats(data)
	if err != nil {
		return errors.WithMessage(err, "weights")
	}
	params := g.ParamTensors()
	total := 0
	for _, ti := range params {
		total += g.Tensors[ti].Elements()
	}
	if len(values) != total {
		return errors.Errorf("weights hold %d values, network %q has %d parameters", len(values), g.Name, total)
	}
	g.AllocWeights()
	for _, ti := range params {
		n := g.Tensors[ti].Elements()
		if err := g.SetParam(ti, values[:n]); err != nil {
			return err
		}
		values = values[n:]
	}
	return nil
}
