package access

import (
	"github.com/pious-project/pious/internal/piouslog"
	"github.com/pious-project/pious/internal/txndriver"
	"github.com/pious-project/pious/pkg/piouserr"
	"github.com/pious-project/pious/pkg/wire"
)

// PipelineOp is one per-segment request the pipeline drives: enough to
// build the wire envelope once the transaction header for its server is
// known, and to parse that server's reply back into a uniform result.
type PipelineOp struct {
	SegIndex int
	Endpoint wire.Endpoint
	Build    func(hdr wire.Header) wire.Envelope
	Parse    func(wire.Envelope) (PipelineResult, error)
}

// PipelineResult is a per-segment reply, normalized to what the
// effective-byte accounting and caller need regardless of whether the
// underlying operation was a read or a write.
type PipelineResult struct {
	Code piouserr.Code
	N    int64
	Data []byte
}

// RunPipeline drives ops against txn, respecting the "at most one
// outstanding transactional request per server" rule: requests are sent
// round-robin and their replies collected in the same order, so two
// different servers' requests can be outstanding at once but never two
// requests to the same server. Whenever ops visits a server a second
// time (an access that wraps past the last segment back to segment 0,
// or several segments hosted on one server), the engine starts a new
// phase there, so that server never receives its second request before
// its first reply arrives.
func RunPipeline(txn *txndriver.Txn, ops []PipelineOp, segCnt, pdsCnt int) ([]PipelineResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	phases := splitPhases(ops, segCnt, pdsCnt)

	results := make([]PipelineResult, 0, len(ops))
	for _, phase := range phases {
		r, err := runPhase(txn, phase)
		if err != nil {
			return results, err
		}
		results = append(results, r...)
	}
	return results, nil
}

// splitPhases cuts ops, in order, into consecutive phases that each
// hold at most one op per endpoint: a new phase starts at every op whose
// endpoint already appears in the current phase. This includes the wrap
// past the last segment when segCnt is not a multiple of pdsCnt.
func splitPhases(ops []PipelineOp, segCnt, pdsCnt int) [][]PipelineOp {
	var phases [][]PipelineOp
	start := 0
	seen := make(map[wire.Endpoint]bool)
	for i, op := range ops {
		if seen[op.Endpoint] {
			phases = append(phases, ops[start:i])
			start = i
			seen = make(map[wire.Endpoint]bool)
		}
		seen[op.Endpoint] = true
	}
	return append(phases, ops[start:])
}

// runPhase sends every op in phase before receiving any of their
// replies, then receives in the same order. Within one phase, ops are
// already guaranteed to touch distinct servers (that invariant is what
// splitPhases exists to preserve), so genuine pipelining is safe.
func runPhase(txn *txndriver.Txn, phase []PipelineOp) ([]PipelineResult, error) {
	log := piouslog.WithComponent("access")

	for _, op := range phase {
		hdr := txn.Header(op.Endpoint)
		env := op.Build(hdr)
		if err := txn.Send(op.Endpoint, env); err != nil {
			return nil, err
		}
	}

	results := make([]PipelineResult, 0, len(phase))
	for _, op := range phase {
		reply, err := txn.Recv(op.Endpoint)
		if err != nil {
			return results, err
		}
		res, err := op.Parse(reply)
		if err != nil {
			return results, err
		}
		txn.Observe(op.Endpoint, res.Code)
		if res.Code != piouserr.OK {
			log.Debug().Int("segment", op.SegIndex).Str("endpoint", string(op.Endpoint)).Str("code", res.Code.String()).Msg("pipeline op returned non-OK")
		}
		results = append(results, res)
	}
	return results, nil
}
