package memory

import (
	"sort"
	"strconv"

	"github.com/evgrid/stationd/internal/domain"
)

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	out := make([]T, len(items))
	copy(out, items)
	return out
}

func sortRequestsByCreatedDesc(reqs []domain.Request) {
	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].CreatedAt.After(reqs[j].CreatedAt) })
}

func sortSessionsByStartedDesc(sessions []domain.Session) {
	sort.SliceStable(sessions, func(i, j int) bool { return sessions[i].StartedAt.After(sessions[j].StartedAt) })
}

// queueSeq extracts the numeric part of a queue number such as "F12".
func queueSeq(queueNumber string) int {
	if len(queueNumber) < 2 {
		return 0
	}
	n, err := strconv.Atoi(queueNumber[1:])
	if err != nil {
		return 0
	}
	return n
}
