package integrator

import (
	"cmp"
	"slices"

	"apparel/catalog/internal/domain"
)

const matchEpsilon = 1e-9

// dedupExact merges records sharing a normalized product URL or a product
// id. A record matching two survivors, one by URL and the other by id, folds
// both into one, so no two survivors share either key. Survivors keep
// first-seen order.
func dedupExact(items []*normalized) ([]*normalized, int) {
	var (
		out    = make([]*normalized, 0, len(items))
		parent = make([]int, 0, len(items))
		byURL  = make(map[string]int, len(items))
		byID   = make(map[string]int, len(items))
	)
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	lookup := func(index map[string]int, key string) int {
		if j, ok := index[key]; ok {
			return find(j)
		}
		return -1
	}

	for _, item := range items {
		urlMatch := lookup(byURL, item.product.ProductURL)
		idMatch := lookup(byID, item.product.ProductID)

		var j int
		switch {
		case urlMatch < 0 && idMatch < 0:
			out = append(out, item)
			parent = append(parent, len(out)-1)
			j = len(out) - 1
		case urlMatch < 0 || idMatch < 0 || urlMatch == idMatch:
			j = max(urlMatch, idMatch)
			out[j] = prefer(out[j], item)
		default:
			other := max(urlMatch, idMatch)
			j = min(urlMatch, idMatch)
			parent[other] = j
			out[j] = prefer(prefer(out[j], out[other]), item)
			out[other] = nil
		}
		j = find(j)
		byURL[item.product.ProductURL] = j
		byID[item.product.ProductID] = j
		byURL[out[j].product.ProductURL] = j
		byID[out[j].product.ProductID] = j
	}

	survivors := slices.DeleteFunc(out, func(n *normalized) bool { return n == nil })
	return survivors, len(items) - len(survivors)
}

// dedupFuzzy merges near-identical listings within a (platform, category)
// bucket: title token similarity at or above threshold and a relative price
// gap, measured against the lower price, at or below tolerance. Records are
// compared in price order so a candidate scan stops at the first price out
// of range.
func dedupFuzzy(items []*normalized, threshold, tolerance float64) ([]*normalized, int) {
	buckets := make(map[string][]*normalized)
	var order []string
	for _, item := range items {
		key := item.product.Platform.String() + "|" + item.product.Category.String()
		if _, ok := buckets[key]; !ok {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], item)
	}

	var (
		out     = make([]*normalized, 0, len(items))
		removed int
	)
	for _, key := range order {
		bucket := buckets[key]
		slices.SortStableFunc(bucket, func(a, b *normalized) int {
			return cmp.Or(cmp.Compare(a.product.Price, b.product.Price), cmp.Compare(a.index, b.index))
		})

		merged := make([]bool, len(bucket))
		for i, base := range bucket {
			if merged[i] {
				continue
			}
			winner := base
			for j := i + 1; j < len(bucket); j++ {
				candidate := bucket[j]
				if (candidate.product.Price-base.product.Price)/base.product.Price > tolerance+matchEpsilon {
					break
				}
				if merged[j] || sameSource(base, candidate) {
					continue
				}
				if jaccard(base.tokens, candidate.tokens) >= threshold-matchEpsilon {
					winner = prefer(winner, candidate)
					merged[j] = true
					removed++
				}
			}
			out = append(out, winner)
		}
	}

	slices.SortFunc(out, func(a, b *normalized) int { return cmp.Compare(a.index, b.index) })
	return out, removed
}

func sameSource(a, b *normalized) bool {
	return a.product.SourceID != "" && a.product.SourceID == b.product.SourceID
}

// jaccard is |a ∩ b| / |a ∪ b| over token sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// prefer keeps the more complete record, then the more recently scraped
// one, then the first seen. Hot comments of the dropped record are kept.
func prefer(a, b *normalized) *normalized {
	winner, loser := a, b
	switch {
	case b.present > a.present:
		winner, loser = b, a
	case b.present == a.present && b.product.ScrapedAt.After(a.product.ScrapedAt):
		winner, loser = b, a
	}

	merged := *winner
	merged.index = min(a.index, b.index)
	merged.product.HotComments = slices.Clone(winner.product.HotComments)
	for _, c := range loser.product.HotComments {
		if slices.ContainsFunc(merged.product.HotComments, func(h domain.HotComment) bool { return h.Text == c.Text }) {
			continue
		}
		c.ProductID = merged.product.ProductID
		merged.product.HotComments = append(merged.product.HotComments, c)
	}
	return &merged
}
