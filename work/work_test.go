package work

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lockbook/lb-core/crypto"
	"github.com/lockbook/lb-core/filetree"
)

func TestCalculateEmptyIsNoOp(t *testing.T) {
	base := filetree.NewStore()
	local := filetree.Stage(base)
	plan := Calculate(base, local, map[uuid.UUID]bool{}, nil, 1)
	require.True(t, plan.IsNoOp())
}

func TestCalculateReportsLocalAndServerChanges(t *testing.T) {
	owner, err := crypto.NewAccountKey()
	require.NoError(t, err)

	base := filetree.NewStore()
	root := filetree.Record{ID: uuid.New(), Owner: owner.Public()}
	root.Parent = root.ID
	base.Insert(root)

	local := filetree.Stage(base)
	m := filetree.NewMutator(local, owner.Public())
	_, err = m.Rename(root.ID, nil)
	require.NoError(t, err)

	serverIDs := map[uuid.UUID]bool{root.ID: true}
	updatedRecord := root
	updatedRecord.Version = 2
	updated := []filetree.Record{updatedRecord}

	plan := Calculate(base, local, serverIDs, updated, 42)
	require.False(t, plan.IsNoOp())
	require.Len(t, plan.Units, 2)

	kinds := map[Kind]int{}
	for _, u := range plan.Units {
		kinds[u.Kind]++
	}
	require.Equal(t, 1, kinds[LocalChange])
	require.Equal(t, 1, kinds[ServerChange])
	require.Equal(t, uint64(42), plan.ServerAsOfTime)
}
