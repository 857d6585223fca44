package permission

import "context"

// StaticRequester answers every request from a fixed table. It stands in for
// the platform permission subsystem when simulating an Android host.
type StaticRequester struct {
	Decisions map[Capability]Decision
	Default   Decision // answer for capabilities missing from Decisions
}

// NewStaticRequester grants every capability except those listed in denied.
func NewStaticRequester(denied []Capability) *StaticRequester {
	r := &StaticRequester{Decisions: make(map[Capability]Decision), Default: Granted}
	for _, c := range denied {
		r.Decisions[c] = Denied
	}
	return r
}

func (r *StaticRequester) decide(c Capability) Decision {
	if d, ok := r.Decisions[c]; ok {
		return d
	}
	return r.Default
}

func (r *StaticRequester) RequestSingle(ctx context.Context, c Capability) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Denied, err
	}
	return r.decide(c), nil
}

func (r *StaticRequester) RequestBatch(ctx context.Context, cs []Capability) (map[Capability]Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[Capability]Decision, len(cs))
	for _, c := range cs {
		out[c] = r.decide(c)
	}
	return out, nil
}
