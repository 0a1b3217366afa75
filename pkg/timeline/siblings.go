package timeline

import (
	"sort"

	"github.com/kittclouds/loom/internal/store"
)

// ForkChild identifies one child branch hanging off a fork point.
type ForkChild struct {
	BranchID string `json:"branchId"`
	Name     string `json:"branchName"`
}

// SiblingVariant is one selectable alternative at a divergence point.
type SiblingVariant struct {
	BranchID string `json:"branchId"`
	Label    string `json:"label"`
	Current  bool   `json:"isCurrent"`
}

// SiblingGroup collects the alternatives that share one divergence point:
// the parent's own continuation plus every sibling forked there.
type SiblingGroup struct {
	// Current is the 1-based position of the variant on the viewed
	// branch's path, 0 when none is.
	Current  int               `json:"currentVariant"`
	Total    int               `json:"total"`
	Variants []*SiblingVariant `json:"variants"`
}

// ResolveSiblingParent walks up from parentID while the requested fork
// offset is at or before the candidate's own fork offset. Repeated edits
// at a branch's origin attach as siblings under a shared ancestor instead
// of stacking into a linear chain.
func ResolveSiblingParent(byID map[string]*store.Branch, parentID string, offset int) string {
	current := parentID
	visited := make(map[string]bool)

	for {
		b, ok := byID[current]
		if !ok || b.Root() || visited[current] {
			break
		}
		visited[current] = true
		if offset <= b.ForkOffset && b.ParentID != "" {
			current = b.ParentID
		} else {
			break
		}
	}
	return current
}

// ForkPoints returns the children forked anywhere along the viewed
// branch's ancestor chain, grouped by fork offset. The viewed branch
// itself and deleted/blank/merged/pruned children are excluded.
func ForkPoints(src Source, branchID string) (map[int][]ForkChild, error) {
	branches, err := src.ListBranches()
	if err != nil {
		return nil, err
	}
	byID := branchMap(branches)
	ancestors := ancestorSet(byID, branchID)

	points := make(map[int][]ForkChild)
	for _, b := range branches {
		if b.ID == branchID || b.Deleted || b.Blank || b.Merged || b.Pruned {
			continue
		}
		if b.ParentID == "" || !ancestors[b.ParentID] {
			continue
		}
		points[b.ForkOffset] = append(points[b.ForkOffset], ForkChild{
			BranchID: b.ID,
			Name:     b.Name,
		})
	}
	return points, nil
}

// SiblingGroups returns the divergence points along the viewed branch's
// ancestor chain that offer at least two variants, keyed by the 1-based
// message position where the variants diverge. Children with empty delta
// logs (orphans from interrupted streams) do not count as variants.
func SiblingGroups(src Source, branchID string) (map[int]*SiblingGroup, error) {
	branches, err := src.ListBranches()
	if err != nil {
		return nil, err
	}
	byID := branchMap(branches)
	if _, ok := byID[branchID]; !ok {
		return map[int]*SiblingGroup{}, nil
	}

	chain := ancestorChain(byID, branchID)
	ancestors := make(map[string]bool, len(chain))
	for _, id := range chain {
		ancestors[id] = true
	}

	type groupKey struct {
		parentID string
		offset   int
	}
	forkMap := make(map[groupKey][]*store.Branch)
	for _, b := range branches {
		if b.Deleted || b.Blank || b.Merged || b.Pruned {
			continue
		}
		if b.ParentID == "" || !ancestors[b.ParentID] {
			continue
		}
		k := groupKey{b.ParentID, b.ForkOffset}
		forkMap[k] = append(forkMap[k], b)
	}

	groups := make(map[int]*SiblingGroup)

	// Walk ancestors root-first with offsets ascending so the result is
	// deterministic; when two fork points land on the same message
	// position, the deeper one wins.
	for _, parentID := range chain {
		parent, ok := byID[parentID]
		if !ok {
			continue
		}

		var offsets []int
		for k := range forkMap {
			if k.parentID == parentID {
				offsets = append(offsets, k.offset)
			}
		}
		sort.Ints(offsets)

		for _, offset := range offsets {
			children := forkMap[groupKey{parentID, offset}]
			sort.Slice(children, func(i, j int) bool {
				if children[i].CreatedAt != children[j].CreatedAt {
					return children[i].CreatedAt < children[j].CreatedAt
				}
				return children[i].ID < children[j].ID
			})

			last, err := src.LastIndex(parentID)
			if err != nil {
				return nil, err
			}
			parentHasContinuation := last > offset

			var variants []*SiblingVariant
			if parentHasContinuation {
				childOnPath := false
				for _, c := range children {
					if ancestors[c.ID] {
						childOnPath = true
						break
					}
				}
				variants = append(variants, &SiblingVariant{
					BranchID: parentID,
					Label:    parent.Name,
					Current:  ancestors[parentID] && !childOnPath,
				})
			}

			for _, c := range children {
				n, err := src.CountMessages(c.ID)
				if err != nil {
					return nil, err
				}
				if n == 0 {
					continue
				}
				variants = append(variants, &SiblingVariant{
					BranchID: c.ID,
					Label:    c.Name,
					Current:  ancestors[c.ID],
				})
			}

			if len(variants) < 2 {
				continue
			}

			current := 0
			for i, v := range variants {
				if v.Current {
					current = i + 1
					break
				}
			}

			groups[offset+1] = &SiblingGroup{
				Current:  current,
				Total:    len(variants),
				Variants: variants,
			}
		}
	}

	return groups, nil
}

func branchMap(branches []*store.Branch) map[string]*store.Branch {
	byID := make(map[string]*store.Branch, len(branches))
	for _, b := range branches {
		byID[b.ID] = b
	}
	return byID
}

// ancestorSet returns the ids on the chain from id to the root,
// including id itself.
func ancestorSet(byID map[string]*store.Branch, id string) map[string]bool {
	set := make(map[string]bool)
	cur := id
	for cur != "" && !set[cur] {
		set[cur] = true
		b, ok := byID[cur]
		if !ok {
			break
		}
		cur = b.ParentID
	}
	return set
}

// ancestorChain returns the ids from the root down to id.
func ancestorChain(byID map[string]*store.Branch, id string) []string {
	var chain []string
	visited := make(map[string]bool)
	cur := id
	for cur != "" && !visited[cur] {
		visited[cur] = true
		chain = append(chain, cur)
		b, ok := byID[cur]
		if !ok {
			break
		}
		cur = b.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}
