package records

import (
	"context"
	"sort"
	"strings"
)

// Directory matches patient display names in free text against a candidate
// id set. It satisfies minimum.Directory.
type Directory struct {
	store Store
}

func NewDirectory(store Store) *Directory {
	return &Directory{store: store}
}

// MatchNames matches a full display name, or a family name of at least three
// letters when it is unique among the candidates.
func (d *Directory) MatchNames(ctx context.Context, candidates []string, text string) ([]string, error) {
	names, err := d.store.DisplayNames(ctx, candidates)
	if err != nil {
		return nil, err
	}
	lower := " " + strings.ToLower(text) + " "

	var full []string
	family := make(map[string][]string)
	for _, id := range candidates {
		n := strings.ToLower(strings.TrimSpace(names[id]))
		if n == "" {
			continue
		}
		if strings.Contains(lower, n) {
			full = append(full, id)
			continue
		}
		parts := strings.Fields(n)
		last := parts[len(parts)-1]
		if len(last) >= 3 && containsWord(lower, last) {
			family[last] = append(family[last], id)
		}
	}
	if len(full) > 0 {
		return full, nil
	}
	var out []string
	for _, ids := range family {
		if len(ids) == 1 {
			out = append(out, ids[0])
		}
	}
	sort.Strings(out)
	return out, nil
}

func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		if !isLetter(text[start-1]) && (end >= len(text) || !isLetter(text[end])) {
			return true
		}
		idx = start + 1
	}
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
