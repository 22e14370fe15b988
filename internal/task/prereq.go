package task

import (
	"fmt"

	"cyclon/internal/cycling"
	"cyclon/internal/graph"
)

// PrereqAtom is one resolved output reference: the dependency expression's
// offsets have been applied to the owning instance's cycle point.
type PrereqAtom struct {
	Task        string
	Point       cycling.Point
	Output      string
	Satisfied   bool
	SatisfiedBy string
}

// Key returns the atom's identity within the pool's dependency index.
func (a *PrereqAtom) Key() string {
	return AtomKey(a.Task, a.Point, a.Output)
}

// AtomKey builds the canonical "task.point:output" atom identity.
func AtomKey(taskName string, point cycling.Point, output string) string {
	return fmt.Sprintf("%s.%s:%s", taskName, point, output)
}

// prereqNode is a resolved dependency expression tree. Leaves are shared
// *PrereqAtom entries (duplicate references collapse onto one atom) or
// literals produced by pre-initial elision.
type prereqNode interface {
	eval() bool
}

type litNode bool

func (n litNode) eval() bool { return bool(n) }

type atomNode struct{ atom *PrereqAtom }

func (n atomNode) eval() bool { return n.atom.Satisfied }

type opNode struct {
	and  bool
	args []prereqNode
}

func (n opNode) eval() bool {
	if n.and {
		for _, arg := range n.args {
			if !arg.eval() {
				return false
			}
		}
		return true
	}
	for _, arg := range n.args {
		if arg.eval() {
			return true
		}
	}
	return false
}

// Prereqs is a task instance's resolved prerequisite set.
type Prereqs struct {
	root  prereqNode
	atoms map[string]*PrereqAtom
}

// NewPrereqs resolves expr for an instance at the given cycle point. Atoms
// whose resolved point falls strictly before the initial cycle point are
// structurally replaced by literal true so that dependencies on
// non-existent prior cycles cannot block startup.
func NewPrereqs(expr graph.Expr, point, initial cycling.Point) *Prereqs {
	p := &Prereqs{atoms: make(map[string]*PrereqAtom)}
	if expr == nil {
		p.root = litNode(true)
		return p
	}
	p.root = p.build(expr, point, initial)
	return p
}

func (p *Prereqs) build(expr graph.Expr, point, initial cycling.Point) prereqNode {
	switch e := expr.(type) {
	case *graph.LiteralExpr:
		return litNode(e.Value)
	case *graph.AtomExpr:
		target := point
		if e.Atom.HasOffset {
			target = point.Add(e.Atom.Offset)
		}
		if target.Less(initial) {
			return litNode(true) // pre-initial elision
		}
		key := AtomKey(e.Atom.Task, target, e.Atom.Output)
		atom, ok := p.atoms[key]
		if !ok {
			atom = &PrereqAtom{Task: e.Atom.Task, Point: target, Output: e.Atom.Output}
			p.atoms[key] = atom
		}
		return atomNode{atom: atom}
	case *graph.OpExpr:
		args := make([]prereqNode, len(e.Args))
		for i, arg := range e.Args {
			args[i] = p.build(arg, point, initial)
		}
		return opNode{and: e.Op == graph.OpAnd, args: args}
	default:
		return litNode(false)
	}
}

// Satisfy marks the atom with the given key satisfied, recording which
// completer did so. Reports whether the key matched an unsatisfied atom.
func (p *Prereqs) Satisfy(key, completer string) bool {
	atom, ok := p.atoms[key]
	if !ok || atom.Satisfied {
		return false
	}
	atom.Satisfied = true
	atom.SatisfiedBy = completer
	return true
}

// SatisfyAll marks every atom satisfied (operator trigger).
func (p *Prereqs) SatisfyAll(completer string) {
	for _, atom := range p.atoms {
		if !atom.Satisfied {
			atom.Satisfied = true
			atom.SatisfiedBy = completer
		}
	}
}

// AllSatisfied evaluates the full expression.
func (p *Prereqs) AllSatisfied() bool {
	return p.root.eval()
}

// Atoms returns the live (non-elided) atoms. Order is unspecified;
// callers sort if they need determinism.
func (p *Prereqs) Atoms() []*PrereqAtom {
	out := make([]*PrereqAtom, 0, len(p.atoms))
	for _, atom := range p.atoms {
		out = append(out, atom)
	}
	return out
}

// Lookup returns the atom with the given key, if present.
func (p *Prereqs) Lookup(key string) (*PrereqAtom, bool) {
	atom, ok := p.atoms[key]
	return atom, ok
}
