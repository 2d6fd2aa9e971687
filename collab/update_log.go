package collab

import (
	"bytes"
	"slices"
	"strings"
	"unicode/utf8"

	"golang.org/x/exp/maps"

	"github.com/commonpad/collab/protocol"
)

/*
The update log holds the replicated document content as a grow-only set of
causally identified operations with these properties:
- applying the same operation set in any order, any number of times, yields
  the same content on every replica
- a compact summary (per agent contiguous high water marks) lets two replicas
  compute the minimal delta each needs to send the other
- no central sequence number and no coordination between replicas

Content is a tree of single rune atoms. An insert references the atom to its
left at insert time (origin); siblings under one origin are ordered newest
first by (lamport ts, agent), which places later inserts at the same spot
closer to the origin. Deletes tombstone their target. Operations whose
dependencies have not arrived yet are parked and integrated when the
dependencies land, which also keeps each agent's integrated seqs contiguous
and the summary exact.
*/

// OpId identifies one operation: the issuing agent and the agent's
// contiguous sequence number starting at 1. The zero OpId means "none"
// (the document head when used as an insert origin).
type OpId struct {
	Agent Id
	Seq   uint64
}

func (self OpId) IsZero() bool {
	return self == OpId{}
}

type opKind int

const (
	opKindInsert opKind = 0
	opKindDelete opKind = 1
)

type op struct {
	kind   opKind
	id     OpId
	ts     uint64
	origin OpId
	value  string
	target OpId
}

type atom struct {
	id      OpId
	ts      uint64
	value   string
	deleted bool
	// sorted by sibling precedence, newest first
	children []*atom
}

// AppliedResult reports what one remote delta did to the log.
type AppliedResult struct {
	// ops integrated into the content tree
	Integrated int
	// ops already known, skipped
	Duplicate int
	// ops parked until their dependencies arrive
	Deferred int
	// whether the visible content changed
	Changed bool
	// the highest seq per agent observed in the delta,
	// independent of whether the ops were new
	Coverage map[Id]uint64
}

// Advanced is whether the delta carried anything this replica did not know.
func (self *AppliedResult) Advanced() bool {
	return 0 < self.Integrated || 0 < self.Deferred
}

// UpdateLog is not safe for concurrent use. A server document serializes all
// access through its own lock; standalone users (the client tool, tests) are
// single goroutine.
type UpdateLog struct {
	agent Id
	// lamport high water over all seen insert ops
	clock uint64
	root  *atom
	atoms map[OpId]*atom
	// integrated ops per agent, index i holds seq i+1
	agentOps map[Id][]op
	// ops waiting for dependencies
	pending map[OpId]op
}

func NewUpdateLog(agent Id) *UpdateLog {
	if agent.IsZero() {
		agent = NewId()
	}
	return &UpdateLog{
		agent:    agent,
		root:     &atom{},
		atoms:    map[OpId]*atom{},
		agentOps: map[Id][]op{},
		pending:  map[OpId]op{},
	}
}

func (self *UpdateLog) Agent() Id {
	return self.agent
}

// Seq is the number of contiguously integrated ops from one agent.
func (self *UpdateLog) Seq(agent Id) uint64 {
	return uint64(len(self.agentOps[agent]))
}

func (self *UpdateLog) PendingCount() int {
	return len(self.pending)
}

// ApplyRemote integrates a delta produced by another replica. Already known
// ops are skipped, ops with missing dependencies are parked. Malformed bytes
// or invalid ops return a ProtocolError with the log untouched. An op that
// conflicts with an already integrated op of the same id returns an
// ApplyError with the log untouched.
func (self *UpdateLog) ApplyRemote(delta []byte) (*AppliedResult, error) {
	wireOps, err := protocol.DecodeDelta(delta)
	if err != nil {
		return nil, WrapProtocolError("bad delta", err)
	}

	ops := make([]op, 0, len(wireOps))
	for i := range wireOps {
		o, err := opFromWire(&wireOps[i])
		if err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}

	// validate against the integrated set before mutating anything
	for i := range ops {
		o := &ops[i]
		if known, ok := self.integratedOp(o.id); ok {
			if !opEqual(known, o) {
				return nil, WrapApplyError("op conflicts with an integrated op of the same id", nil)
			}
		}
	}

	result := &AppliedResult{
		Coverage: map[Id]uint64{},
	}
	for i := range ops {
		o := ops[i]
		if result.Coverage[o.id.Agent] < o.id.Seq {
			result.Coverage[o.id.Agent] = o.id.Seq
		}
		self.add(o, result)
	}
	self.drainPending(result)
	for i := range ops {
		if _, ok := self.pending[ops[i].id]; ok {
			result.Deferred += 1
		}
	}
	return result, nil
}

func (self *UpdateLog) add(o op, result *AppliedResult) {
	if o.id.Seq <= self.Seq(o.id.Agent) {
		result.Duplicate += 1
		return
	}
	if _, ok := self.pending[o.id]; ok {
		result.Duplicate += 1
		return
	}
	if !self.canIntegrate(&o) {
		self.pending[o.id] = o
		return
	}
	self.integrate(o, result)
}

func (self *UpdateLog) canIntegrate(o *op) bool {
	// the agent's previous op must be integrated
	if o.id.Seq != self.Seq(o.id.Agent)+1 {
		return false
	}
	switch o.kind {
	case opKindInsert:
		if o.origin.IsZero() {
			return true
		}
		_, ok := self.atoms[o.origin]
		return ok
	case opKindDelete:
		_, ok := self.atoms[o.target]
		return ok
	}
	return false
}

func (self *UpdateLog) integrate(o op, result *AppliedResult) {
	switch o.kind {
	case opKindInsert:
		a := &atom{
			id:    o.id,
			ts:    o.ts,
			value: o.value,
		}
		parent := self.root
		if !o.origin.IsZero() {
			parent = self.atoms[o.origin]
		}
		i := 0
		for i < len(parent.children) && siblingPrecedes(parent.children[i], a) {
			i += 1
		}
		parent.children = slices.Insert(parent.children, i, a)
		self.atoms[o.id] = a
		if self.clock < o.ts {
			self.clock = o.ts
		}
		result.Changed = true
	case opKindDelete:
		target := self.atoms[o.target]
		if !target.deleted {
			target.deleted = true
			result.Changed = true
		}
	}
	self.agentOps[o.id.Agent] = append(self.agentOps[o.id.Agent], o)
	result.Integrated += 1
}

func (self *UpdateLog) drainPending(result *AppliedResult) {
	for {
		integrated := false
		for id, o := range self.pending {
			if self.canIntegrate(&o) {
				delete(self.pending, id)
				self.integrate(o, result)
				integrated = true
			}
		}
		if !integrated {
			return
		}
	}
}

// siblingPrecedes is the deterministic order of two atoms inserted at the
// same origin: higher lamport ts first, then higher agent.
func siblingPrecedes(a *atom, b *atom) bool {
	if a.ts != b.ts {
		return b.ts < a.ts
	}
	return 0 < bytes.Compare(a.id.Agent.Bytes(), b.id.Agent.Bytes())
}

func (self *UpdateLog) integratedOp(id OpId) (*op, bool) {
	ops := self.agentOps[id.Agent]
	if id.Seq == 0 || uint64(len(ops)) < id.Seq {
		return nil, false
	}
	return &ops[id.Seq-1], true
}

func opEqual(a *op, b *op) bool {
	return a.kind == b.kind &&
		a.id == b.id &&
		a.ts == b.ts &&
		a.origin == b.origin &&
		a.value == b.value &&
		a.target == b.target
}

// InsertText records a local edit inserting text before the visible rune at
// pos (clamped) and returns the delta to broadcast.
func (self *UpdateLog) InsertText(pos int, text string) []byte {
	if len(text) == 0 {
		return emptyDelta()
	}

	visible := self.visibleAtoms()
	if pos < 0 {
		pos = 0
	}
	if len(visible) < pos {
		pos = len(visible)
	}

	origin := OpId{}
	if 0 < pos {
		origin = visible[pos-1].id
	}

	ops := []op{}
	result := &AppliedResult{}
	for _, r := range text {
		o := op{
			kind:   opKindInsert,
			id:     OpId{Agent: self.agent, Seq: self.Seq(self.agent) + 1},
			ts:     self.clock + 1,
			origin: origin,
			value:  string(r),
		}
		self.integrate(o, result)
		origin = o.id
		ops = append(ops, o)
	}
	return encodeOps(ops)
}

// DeleteText records a local edit removing n visible runes starting at pos
// (clamped) and returns the delta to broadcast.
func (self *UpdateLog) DeleteText(pos int, n int) []byte {
	visible := self.visibleAtoms()
	if pos < 0 {
		n += pos
		pos = 0
	}
	if len(visible) < pos+n {
		n = len(visible) - pos
	}
	if n <= 0 {
		return emptyDelta()
	}

	ops := []op{}
	result := &AppliedResult{}
	for _, target := range visible[pos : pos+n] {
		o := op{
			kind:   opKindDelete,
			id:     OpId{Agent: self.agent, Seq: self.Seq(self.agent) + 1},
			target: target.id,
		}
		self.integrate(o, result)
		ops = append(ops, o)
	}
	return encodeOps(ops)
}

// Summary returns this replica's state summary: every agent's contiguous
// high water mark, in stable agent order.
func (self *UpdateLog) Summary() []byte {
	agents := maps.Keys(self.agentOps)
	slices.SortFunc(agents, func(a Id, b Id) int {
		return bytes.Compare(a.Bytes(), b.Bytes())
	})
	entries := make([]protocol.SummaryEntry, 0, len(agents))
	for _, agent := range agents {
		entries = append(entries, protocol.SummaryEntry{
			Agent: agent.Bytes(),
			Seq:   self.Seq(agent),
		})
	}
	return protocol.RequireEncodeSummary(entries)
}

// DiffSince returns the delta of all integrated ops the given summary does
// not cover. Parked ops are never exported.
func (self *UpdateLog) DiffSince(summary []byte) ([]byte, error) {
	known, err := SummaryMap(summary)
	if err != nil {
		return nil, err
	}

	agents := maps.Keys(self.agentOps)
	slices.SortFunc(agents, func(a Id, b Id) int {
		return bytes.Compare(a.Bytes(), b.Bytes())
	})

	ops := []op{}
	for _, agent := range agents {
		from := known[agent]
		agentOps := self.agentOps[agent]
		for i := from; i < uint64(len(agentOps)); i += 1 {
			ops = append(ops, agentOps[i])
		}
	}
	return encodeOps(ops), nil
}

// SummaryCoverage is the summary as per agent high water marks.
func (self *UpdateLog) SummaryCoverage() map[Id]uint64 {
	coverage := map[Id]uint64{}
	for agent, agentOps := range self.agentOps {
		if 0 < len(agentOps) {
			coverage[agent] = uint64(len(agentOps))
		}
	}
	return coverage
}

// SummaryMap decodes a summary into per agent high water marks.
func SummaryMap(summary []byte) (map[Id]uint64, error) {
	entries, err := protocol.DecodeSummary(summary)
	if err != nil {
		return nil, WrapProtocolError("bad summary", err)
	}
	known := map[Id]uint64{}
	for _, entry := range entries {
		agent, err := IdFromBytes(entry.Agent)
		if err != nil {
			return nil, WrapProtocolError("bad summary agent", err)
		}
		if known[agent] < entry.Seq {
			known[agent] = entry.Seq
		}
	}
	return known, nil
}

// Content renders the visible document text.
func (self *UpdateLog) Content() string {
	var out strings.Builder
	for _, a := range self.visibleAtoms() {
		out.WriteString(a.value)
	}
	return out.String()
}

// Len is the visible rune count.
func (self *UpdateLog) Len() int {
	return len(self.visibleAtoms())
}

func (self *UpdateLog) visibleAtoms() []*atom {
	visible := []*atom{}
	// preorder, children already in precedence order
	stack := []*atom{self.root}
	for 0 < len(stack) {
		a := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if a != self.root && !a.deleted {
			visible = append(visible, a)
		}
		for i := len(a.children) - 1; 0 <= i; i -= 1 {
			stack = append(stack, a.children[i])
		}
	}
	return visible
}

func opFromWire(wireOp *protocol.Op) (op, error) {
	agent, err := IdFromBytes(wireOp.Agent)
	if err != nil {
		return op{}, WrapProtocolError("bad op agent", err)
	}
	if wireOp.Seq == 0 {
		return op{}, NewProtocolError("op seq must be positive")
	}
	id := OpId{Agent: agent, Seq: wireOp.Seq}

	switch wireOp.Kind {
	case protocol.OpKindInsert:
		if utf8.RuneCountInString(wireOp.Value) != 1 {
			return op{}, NewProtocolError("op value must be a single rune")
		}
		origin := OpId{}
		if 0 < len(wireOp.OriginAgent) {
			originAgent, err := IdFromBytes(wireOp.OriginAgent)
			if err != nil {
				return op{}, WrapProtocolError("bad op origin", err)
			}
			if wireOp.OriginSeq == 0 {
				return op{}, NewProtocolError("op origin seq must be positive")
			}
			origin = OpId{Agent: originAgent, Seq: wireOp.OriginSeq}
		} else if wireOp.OriginSeq != 0 {
			return op{}, NewProtocolError("op origin agent missing")
		}
		if origin == id {
			return op{}, NewProtocolError("op origin references itself")
		}
		return op{
			kind:   opKindInsert,
			id:     id,
			ts:     wireOp.Ts,
			origin: origin,
			value:  wireOp.Value,
		}, nil
	case protocol.OpKindDelete:
		targetAgent, err := IdFromBytes(wireOp.TargetAgent)
		if err != nil {
			return op{}, WrapProtocolError("bad op target", err)
		}
		if wireOp.TargetSeq == 0 {
			return op{}, NewProtocolError("op target seq must be positive")
		}
		return op{
			kind:   opKindDelete,
			id:     id,
			target: OpId{Agent: targetAgent, Seq: wireOp.TargetSeq},
		}, nil
	default:
		return op{}, NewProtocolErrorf("unknown op kind: %d", wireOp.Kind)
	}
}

func opToWire(o *op) protocol.Op {
	switch o.kind {
	case opKindInsert:
		wireOp := protocol.Op{
			Kind:  protocol.OpKindInsert,
			Agent: o.id.Agent.Bytes(),
			Seq:   o.id.Seq,
			Ts:    o.ts,
			Value: o.value,
		}
		if !o.origin.IsZero() {
			wireOp.OriginAgent = o.origin.Agent.Bytes()
			wireOp.OriginSeq = o.origin.Seq
		}
		return wireOp
	default:
		return protocol.Op{
			Kind:        protocol.OpKindDelete,
			Agent:       o.id.Agent.Bytes(),
			Seq:         o.id.Seq,
			TargetAgent: o.target.Agent.Bytes(),
			TargetSeq:   o.target.Seq,
		}
	}
}

func encodeOps(ops []op) []byte {
	wireOps := make([]protocol.Op, 0, len(ops))
	for i := range ops {
		wireOps = append(wireOps, opToWire(&ops[i]))
	}
	return protocol.RequireEncodeDelta(wireOps)
}

func emptyDelta() []byte {
	return protocol.RequireEncodeDelta(nil)
}

// OpCount is the number of ops in an encoded delta, for callers that need to
// know whether a local edit produced anything to broadcast.
func OpCount(delta []byte) int {
	count, err := protocol.DeltaOpCount(delta)
	if err != nil {
		return 0
	}
	return count
}
