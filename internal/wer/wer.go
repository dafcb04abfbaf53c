// Package wer computes word error rate between a reference transcript and a
// recognizer hypothesis.
//
// Both inputs are split on whitespace runs and compared token by token with
// exact, case-sensitive equality. The alignment is a unit-cost Levenshtein
// alignment whose backtrace classifies every token as correct, substituted,
// inserted or deleted.
package wer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrEmptyReference is returned when the reference has no words. WER is
// normalized by reference length, so the ratio is undefined.
var ErrEmptyReference = errors.New("wer: reference has no words")

// Op identifies a single alignment operation.
type Op uint8

const (
	OpMatch Op = iota
	OpSubstitution
	OpInsertion
	OpDeletion
)

func (o Op) String() string {
	switch o {
	case OpMatch:
		return "OK"
	case OpSubstitution:
		return "SUB"
	case OpInsertion:
		return "INS"
	case OpDeletion:
		return "DEL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the trace tag so JSON payloads stay readable.
func (o Op) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Op) UnmarshalText(text []byte) error {
	switch string(text) {
	case "OK":
		*o = OpMatch
	case "SUB":
		*o = OpSubstitution
	case "INS":
		*o = OpInsertion
	case "DEL":
		*o = OpDeletion
	default:
		return fmt.Errorf("wer: unknown operation %q", text)
	}
	return nil
}

// Step is one aligned position. Ref is empty for insertions and Hyp is empty
// for deletions.
type Step struct {
	Op  Op     `json:"op"`
	Ref string `json:"ref,omitempty"`
	Hyp string `json:"hyp,omitempty"`
}

// Report summarizes an alignment.
type Report struct {
	WER           float64 `json:"wer"`
	Correct       int     `json:"correct"`
	Substitutions int     `json:"substitutions"`
	Insertions    int     `json:"insertions"`
	Deletions     int     `json:"deletions"`
	RefWords      int     `json:"ref_words"`
	HypWords      int     `json:"hyp_words"`
}

// Errors is the edit distance: substitutions + insertions + deletions.
func (r Report) Errors() int {
	return r.Substitutions + r.Insertions + r.Deletions
}

// Alignment is a report together with its operations in reference order.
type Alignment struct {
	Report Report
	Steps  []Step
}

// Tokenize splits s on runs of whitespace. No case folding or punctuation
// stripping is applied.
func Tokenize(s string) []string {
	return strings.Fields(s)
}

// Score aligns hypothesis against reference and returns the report only.
func Score(reference, hypothesis string) (Report, error) {
	a, err := Align(reference, hypothesis)
	if err != nil {
		return Report{}, err
	}
	return a.Report, nil
}

// Align computes the minimum edit alignment between reference and hypothesis.
//
// When several operations reach the same minimum cost at a cell the choice is
// substitution, then insertion, then deletion. Changing that order changes the
// reported operation counts on ties.
func Align(reference, hypothesis string) (Alignment, error) {
	ref := Tokenize(reference)
	hyp := Tokenize(hypothesis)
	if len(ref) == 0 {
		return Alignment{}, ErrEmptyReference
	}

	m := newMatrix(len(ref), len(hyp))
	m.fill(ref, hyp)

	rep := Report{RefWords: len(ref), HypWords: len(hyp)}
	steps := make([]Step, 0, max(len(ref), len(hyp)))

	i, j := len(ref), len(hyp)
	for i > 0 || j > 0 {
		switch m.op(i, j) {
		case OpMatch:
			i--
			j--
			rep.Correct++
			steps = append(steps, Step{Op: OpMatch, Ref: ref[i], Hyp: hyp[j]})
		case OpSubstitution:
			i--
			j--
			rep.Substitutions++
			steps = append(steps, Step{Op: OpSubstitution, Ref: ref[i], Hyp: hyp[j]})
		case OpInsertion:
			j--
			rep.Insertions++
			steps = append(steps, Step{Op: OpInsertion, Hyp: hyp[j]})
		case OpDeletion:
			i--
			rep.Deletions++
			steps = append(steps, Step{Op: OpDeletion, Ref: ref[i]})
		}
	}

	// the walk runs from the last token back to the first
	for l, r := 0, len(steps)-1; l < r; l, r = l+1, r-1 {
		steps[l], steps[r] = steps[r], steps[l]
	}

	rep.WER = ratio(rep.Errors(), rep.RefWords)
	return Alignment{Report: rep, Steps: steps}, nil
}

// Merge sums reports into a corpus-level report. WER is recomputed from the
// summed counts rather than averaged, so longer references weigh more.
func Merge(reports ...Report) Report {
	var total Report
	for _, r := range reports {
		total.Correct += r.Correct
		total.Substitutions += r.Substitutions
		total.Insertions += r.Insertions
		total.Deletions += r.Deletions
		total.RefWords += r.RefWords
		total.HypWords += r.HypWords
	}
	if total.RefWords > 0 {
		total.WER = ratio(total.Errors(), total.RefWords)
	}
	return total
}

// ratio returns errs/words rounded to three decimals. Rounding works on the
// exact decimal value of the float quotient and breaks true ties to even, so
// 1/16 is 0.062 and 1/80 (stored just above 0.0125) is 0.013.
func ratio(errs, words int) float64 {
	v, _ := strconv.ParseFloat(strconv.FormatFloat(float64(errs)/float64(words), 'f', 3, 64), 64)
	return v
}
