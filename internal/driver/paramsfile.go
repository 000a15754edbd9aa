package driver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Iron-Ham/optsidecar/internal/atomicfile"
)

// Format identifies the encoding of a parameters file handed to the evaluate
// command by the engine.
type Format string

const (
	// FormatJSON is {"evaluations":[...]} in, {"results":[...]} out.
	FormatJSON Format = "json"

	// FormatDakota is the engine's standard "value tag" text format. Several
	// blocks in one file form a batch; results are separated by "#" lines.
	FormatDakota Format = "dakota"
)

// ParamsFile is the JSON parameters file.
type ParamsFile struct {
	Evaluations []Evaluation `json:"evaluations"`
}

// ResultsFile is the JSON results file.
type ResultsFile struct {
	Results []Result `json:"results"`
}

// Analyze is one callback from the engine: it reads the parameters file,
// evaluates the batch with model and writes the results file in the same
// format. The results file is not written when model fails.
func Analyze(ctx context.Context, model ModelFunc, paramsPath, resultsPath string) error {
	if model == nil {
		return ErrNoModel
	}
	evals, format, err := ReadParams(paramsPath)
	if err != nil {
		return err
	}
	results, err := model(ctx, evals)
	if err != nil {
		return err
	}
	if len(results) != len(evals) {
		return fmt.Errorf("analyze: %d evaluations but %d results", len(evals), len(results))
	}
	return WriteResults(resultsPath, format, evals, results)
}

// ReadParams reads a parameters file in either format. The format is detected
// from the first non-blank byte.
func ReadParams(path string) ([]Evaluation, Format, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read params: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var pf ParamsFile
		if err := json.Unmarshal(trimmed, &pf); err != nil {
			return nil, "", fmt.Errorf("parse params %s: %w", path, err)
		}
		return pf.Evaluations, FormatJSON, nil
	}

	evals, err := parseDakotaParams(data)
	if err != nil {
		return nil, "", fmt.Errorf("parse params %s: %w", path, err)
	}
	return evals, FormatDakota, nil
}

// WriteResults atomically writes results in the given format. evals supplies
// the response labels for the text format.
func WriteResults(path string, format Format, evals []Evaluation, results []Result) error {
	switch format {
	case FormatJSON:
		return atomicfile.WriteJSON(path, ResultsFile{Results: results})
	case FormatDakota:
		if len(evals) != len(results) {
			return fmt.Errorf("write results: %d evaluations but %d results", len(evals), len(results))
		}
		var buf bytes.Buffer
		for i, r := range results {
			if i > 0 {
				buf.WriteString("#\n")
			}
			labels := evals[i].FunctionLabels
			for j, v := range r.Fns {
				label := ""
				if j < len(labels) {
					label = labels[j]
				}
				fmt.Fprintf(&buf, "%s %s\n", strconv.FormatFloat(v, 'g', -1, 64), label)
			}
		}
		return atomicfile.Write(path, buf.Bytes())
	default:
		return fmt.Errorf("write results: unknown format %q", format)
	}
}

// parseDakotaParams reads one or more blocks of the form
//
//	<n> variables
//	<value> <label>           (n lines)
//	<m> functions
//	<asv> ASV_<i>:<label>     (m lines)
//	<k> <section>             (k lines, skipped)
//	<id> eval_id
//
// Every variable is reported as continuous.
func parseDakotaParams(data []byte) ([]Evaluation, error) {
	type pair struct {
		value string
		tag   string
		line  int
	}

	var pairs []pair
	sc := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; sc.Scan(); n++ {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: want \"value tag\", got %q", n, sc.Text())
		}
		pairs = append(pairs, pair{value: fields[0], tag: fields[1], line: n})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	var (
		evals   []Evaluation
		current *Evaluation
	)
	for i := 0; i < len(pairs); i++ {
		p := pairs[i]
		if p.tag == "eval_id" {
			if current == nil {
				return nil, fmt.Errorf("line %d: eval_id outside a block", p.line)
			}
			evals = append(evals, *current)
			current = nil
			continue
		}

		count, err := strconv.Atoi(p.value)
		if err != nil {
			return nil, fmt.Errorf("line %d: section %q has non-integer count %q", p.line, p.tag, p.value)
		}
		if i+count >= len(pairs) {
			return nil, fmt.Errorf("line %d: section %q is truncated", p.line, p.tag)
		}
		section := pairs[i+1 : i+1+count]
		i += count

		switch p.tag {
		case "variables":
			if current != nil {
				return nil, fmt.Errorf("line %d: block without eval_id", p.line)
			}
			current = &Evaluation{}
			for _, v := range section {
				f, err := strconv.ParseFloat(v.value, 64)
				if err != nil {
					return nil, fmt.Errorf("line %d: variable %s is not numeric: %q", v.line, v.tag, v.value)
				}
				current.CVLabels = append(current.CVLabels, v.tag)
				current.CV = append(current.CV, f)
			}
		case "functions":
			if current == nil {
				return nil, fmt.Errorf("line %d: functions before variables", p.line)
			}
			for _, fn := range section {
				label := fn.tag
				if _, after, ok := strings.Cut(label, ":"); ok {
					label = after
				}
				current.FunctionLabels = append(current.FunctionLabels, label)
			}
		}
	}
	if current != nil {
		return nil, fmt.Errorf("last block has no eval_id")
	}
	return evals, nil
}
