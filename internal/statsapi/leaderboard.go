package statsapi

import (
	"sort"
	"strings"

	"github.com/uscmining/relay-worker/internal/job"
)

type LeaderboardEntry struct {
	Rank           int    `json:"rank"`
	Miner          string `json:"miner"`
	TotalWorkUnits uint64 `json:"totalWorkUnits"`
	TotalSolves    uint64 `json:"totalSolves"`
	LastEpoch      uint64 `json:"lastEpoch"`
}

// BuildLeaderboard aggregates CREDITED jobs per miner. Entries are ordered by
// total work units, then solve count, both descending, then by miner address.
func BuildLeaderboard(jobs []job.Job) []LeaderboardEntry {
	byMiner := make(map[string]*LeaderboardEntry)
	for _, j := range jobs {
		if j.Status != job.StatusCredited {
			continue
		}
		miner := j.Miner.Hex()
		e, ok := byMiner[miner]
		if !ok {
			e = &LeaderboardEntry{Miner: miner}
			byMiner[miner] = e
		}
		e.TotalWorkUnits += j.WorkUnits
		e.TotalSolves++
		if j.Epoch > e.LastEpoch {
			e.LastEpoch = j.Epoch
		}
	}

	out := make([]LeaderboardEntry, 0, len(byMiner))
	for _, e := range byMiner {
		out = append(out, *e)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].TotalWorkUnits != out[b].TotalWorkUnits {
			return out[a].TotalWorkUnits > out[b].TotalWorkUnits
		}
		if out[a].TotalSolves != out[b].TotalSolves {
			return out[a].TotalSolves > out[b].TotalSolves
		}
		return strings.ToLower(out[a].Miner) < strings.ToLower(out[b].Miner)
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}
