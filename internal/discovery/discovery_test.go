package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testGoods = []string{"good_0", "good_1", "good_2"}

func TestBuildDescription(t *testing.T) {
	price := 2.5
	d := BuildDescription("agent-a", testGoods, []int{2, 0, 1}, true, &price)

	assert.Equal(t, SupplyModelName, d.Model.Name)
	assert.Equal(t, []string{"good_0", "good_1", "good_2", "price"}, d.Model.Attributes)
	assert.Equal(t, 2, d.Values["good_0"])
	assert.Equal(t, 0, d.Values["good_1"])
	assert.Equal(t, 2.5, d.Values["price"])

	demand := BuildDescription("agent-a", testGoods, []int{0, 1, 0}, false, nil)
	assert.Equal(t, DemandModelName, demand.Model.Name)
	_, hasPrice := demand.Values["price"]
	assert.False(t, hasPrice)
}

func TestQueryMatches(t *testing.T) {
	query := BuildQuery([]string{"good_1", "good_2"}, true)
	assert.Equal(t, SupplyModelName, query.Model)
	assert.Equal(t, "good_1 >= 1 || good_2 >= 1", query.Expression)

	tests := []struct {
		name        string
		description Description
		want        bool
	}{
		{
			name:        "supplies one requested good",
			description: BuildDescription("a", testGoods, []int{0, 1, 0}, true, nil),
			want:        true,
		},
		{
			name:        "supplies nothing requested",
			description: BuildDescription("a", testGoods, []int{3, 0, 0}, true, nil),
			want:        false,
		},
		{
			name:        "wrong model never matches",
			description: BuildDescription("a", testGoods, []int{0, 1, 0}, false, nil),
			want:        false,
		},
		{
			name: "missing attributes evaluate as zero",
			description: Description{
				AgentID: "a",
				Model:   DataModel{Name: SupplyModelName},
				Values:  map[string]any{"good_2": 4},
			},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched, err := query.Matches(tt.description)
			require.NoError(t, err)
			assert.Equal(t, tt.want, matched)
		})
	}
}

func TestQueryMatchesInvalidExpression(t *testing.T) {
	q := Query{Model: SupplyModelName, Expression: "good_0 >="}
	_, err := q.Matches(BuildDescription("a", testGoods, []int{1, 0, 0}, true, nil))
	assert.Error(t, err)
}

func TestControllerQuery(t *testing.T) {
	dir := NewInMemoryDirectory()
	ctx := context.Background()

	require.NoError(t, dir.Register(ctx, ControllerDescription("controller-1")))

	found, err := dir.Search(ctx, ControllerQuery())
	require.NoError(t, err)
	assert.Equal(t, []string{"controller-1"}, found)
}

func TestInMemoryDirectorySearch(t *testing.T) {
	dir := NewInMemoryDirectory()
	ctx := context.Background()

	require.NoError(t, dir.Register(ctx, BuildDescription("bob", testGoods, []int{1, 0, 0}, true, nil)))
	require.NoError(t, dir.Register(ctx, BuildDescription("alice", testGoods, []int{0, 2, 0}, true, nil)))
	require.NoError(t, dir.Register(ctx, BuildDescription("carol", testGoods, []int{0, 0, 1}, false, nil)))

	found, err := dir.Search(ctx, BuildQuery([]string{"good_0", "good_1"}, true))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, found, "results are sorted by agent id")

	found, err = dir.Search(ctx, BuildQuery([]string{"good_2"}, false))
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, found)
}

func TestInMemoryDirectoryRegisterReplacesAndUnregisters(t *testing.T) {
	dir := NewInMemoryDirectory()
	ctx := context.Background()

	require.NoError(t, dir.Register(ctx, BuildDescription("alice", testGoods, []int{1, 0, 0}, true, nil)))
	require.NoError(t, dir.Register(ctx, BuildDescription("alice", testGoods, []int{0, 0, 0}, true, nil)))

	found, err := dir.Search(ctx, BuildQuery([]string{"good_0"}, true))
	require.NoError(t, err)
	assert.Empty(t, found, "re-registration replaces the previous description")

	require.NoError(t, dir.Register(ctx, BuildDescription("alice", testGoods, []int{1, 0, 0}, true, nil)))
	require.NoError(t, dir.Unregister(ctx, "alice", SupplyModelName))

	found, err = dir.Search(ctx, BuildQuery([]string{"good_0"}, true))
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestRegisterValidation(t *testing.T) {
	dir := NewInMemoryDirectory()
	assert.Error(t, dir.Register(context.Background(), Description{Model: ControllerModel()}))
	assert.Error(t, dir.Register(context.Background(), Description{AgentID: "a"}))
}
