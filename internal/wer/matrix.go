package wer

// matrix holds the cost and backtrace tables for one alignment. Both are
// (rows+1) x (cols+1) and stored row-major in flat slices.
type matrix struct {
	cols  int
	costs []int
	ops   []Op
}

func newMatrix(refLen, hypLen int) *matrix {
	cols := hypLen + 1
	size := (refLen + 1) * cols
	m := &matrix{
		cols:  cols,
		costs: make([]int, size),
		ops:   make([]Op, size),
	}
	for i := 1; i <= refLen; i++ {
		m.set(i, 0, i, OpDeletion)
	}
	for j := 1; j <= hypLen; j++ {
		m.set(0, j, j, OpInsertion)
	}
	return m
}

func (m *matrix) fill(ref, hyp []string) {
	for i := 1; i <= len(ref); i++ {
		for j := 1; j <= len(hyp); j++ {
			if ref[i-1] == hyp[j-1] {
				m.set(i, j, m.cost(i-1, j-1), OpMatch)
				continue
			}
			sub := m.cost(i-1, j-1) + 1
			ins := m.cost(i, j-1) + 1
			del := m.cost(i-1, j) + 1
			best := min(sub, ins, del)
			switch best {
			case sub:
				m.set(i, j, best, OpSubstitution)
			case ins:
				m.set(i, j, best, OpInsertion)
			default:
				m.set(i, j, best, OpDeletion)
			}
		}
	}
}

func (m *matrix) cost(i, j int) int {
	return m.costs[i*m.cols+j]
}

func (m *matrix) op(i, j int) Op {
	return m.ops[i*m.cols+j]
}

func (m *matrix) set(i, j, cost int, op Op) {
	m.costs[i*m.cols+j] = cost
	m.ops[i*m.cols+j] = op
}
