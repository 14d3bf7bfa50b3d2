package engine

import (
	"sort"

	"coinx.com/internal/market"
)

// stopTable holds stop orders off-book until the last trade price
// crosses their trigger. Only the owning symbol actor touches it.
type stopTable struct {
	byID map[int64]*market.Order
}

func newStopTable() *stopTable {
	return &stopTable{byID: make(map[int64]*market.Order)}
}

func (t *stopTable) add(o *market.Order)    { t.byID[o.ID] = o }
func (t *stopTable) remove(id int64)        { delete(t.byID, id) }
func (t *stopTable) size() int              { return len(t.byID) }
func (t *stopTable) get(id int64) (*market.Order, bool) {
	o, ok := t.byID[id]
	return o, ok
}

func crossed(o *market.Order, last int64) bool {
	if o.Side == market.Buy {
		return last >= o.StopPrice
	}
	return last <= o.StopPrice
}

// triggered removes and returns every stop crossed by last, ordered by
// arrival so same-price triggers keep time priority.
func (t *stopTable) triggered(last int64) []*market.Order {
	var out []*market.Order
	for _, o := range t.byID {
		if crossed(o, last) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	for _, o := range out {
		delete(t.byID, o.ID)
	}
	return out
}
