package wer

import (
	"bufio"
	"fmt"
	"io"
)

// Placeholder stands in for the missing token of an insertion or deletion.
const Placeholder = "****"

// WriteTrace writes the operation trace of a in reference order followed by
// the operation counts. The layout is tab separated:
//
//	OP	REF	HYP
//	OK	where	where
//	DEL	the	****
//	#cor 4
func WriteTrace(w io.Writer, a Alignment) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "OP\tREF\tHYP")
	for _, s := range a.Steps {
		ref, hyp := s.Ref, s.Hyp
		switch s.Op {
		case OpInsertion:
			ref = Placeholder
		case OpDeletion:
			hyp = Placeholder
		}
		fmt.Fprintf(bw, "%s\t%s\t%s\n", s.Op, ref, hyp)
	}
	r := a.Report
	fmt.Fprintf(bw, "#cor %d\n", r.Correct)
	fmt.Fprintf(bw, "#sub %d\n", r.Substitutions)
	fmt.Fprintf(bw, "#del %d\n", r.Deletions)
	fmt.Fprintf(bw, "#ins %d\n", r.Insertions)
	return bw.Flush()
}
