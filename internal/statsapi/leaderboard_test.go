package statsapi

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uscmining/relay-worker/internal/job"
)

var (
	minerA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	minerB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	minerC = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func creditedJob(miner common.Address, work, epoch uint64, st job.Status) job.Job {
	return job.Job{
		Solve:  job.Solve{Miner: miner, WorkUnits: work, Epoch: epoch},
		Status: st,
	}
}

func TestBuildLeaderboard_OnlyCreditedJobsCount(t *testing.T) {
	t.Parallel()

	board := BuildLeaderboard([]job.Job{
		creditedJob(minerA, 5, 1, job.StatusCredited),
		creditedJob(minerA, 3, 2, job.StatusCredited),
		creditedJob(minerB, 10, 1, job.StatusSeen),
	})

	require.Len(t, board, 1)
	assert.Equal(t, LeaderboardEntry{
		Rank:           1,
		Miner:          minerA.Hex(),
		TotalWorkUnits: 8,
		TotalSolves:    2,
		LastEpoch:      2,
	}, board[0])
}

func TestBuildLeaderboard_Ordering(t *testing.T) {
	t.Parallel()

	board := BuildLeaderboard([]job.Job{
		creditedJob(minerC, 4, 1, job.StatusCredited),
		creditedJob(minerC, 4, 9, job.StatusCredited),
		creditedJob(minerB, 4, 1, job.StatusCredited),
		creditedJob(minerA, 4, 1, job.StatusCredited),
		creditedJob(minerA, 1, 1, job.StatusFailed),
	})

	require.Len(t, board, 3)
	// C leads on work units; A and B tie on work and solves and fall back to address.
	assert.Equal(t, minerC.Hex(), board[0].Miner)
	assert.Equal(t, uint64(9), board[0].LastEpoch)
	assert.Equal(t, minerA.Hex(), board[1].Miner)
	assert.Equal(t, minerB.Hex(), board[2].Miner)
	for i, e := range board {
		assert.Equal(t, i+1, e.Rank)
	}
}

func TestBuildLeaderboard_SolvesBreakWorkTies(t *testing.T) {
	t.Parallel()

	board := BuildLeaderboard([]job.Job{
		creditedJob(minerA, 6, 1, job.StatusCredited),
		creditedJob(minerB, 3, 1, job.StatusCredited),
		creditedJob(minerB, 3, 1, job.StatusCredited),
	})

	require.Len(t, board, 2)
	assert.Equal(t, minerB.Hex(), board[0].Miner)
	assert.Equal(t, uint64(2), board[0].TotalSolves)
}

func TestBuildLeaderboard_Empty(t *testing.T) {
	t.Parallel()

	board := BuildLeaderboard(nil)
	assert.NotNil(t, board)
	assert.Empty(t, board)
}
