package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawQuery(t *testing.T) {
	tests := []struct {
		name string
		req  SearchRequest
		want string
	}{
		{
			name: "words and users",
			req: SearchRequest{
				AnyWords:  []string{"golang", "rust lang"},
				FromUsers: []string{"alice"},
				Lang:      "en",
			},
			want: `(golang OR "rust lang") from:alice lang:en since:2024-01-01_00:00:00 until:2024-01-02_00:00:00`,
		},
		{
			name: "multiple handles and hashtags",
			req: SearchRequest{
				Hashtags:        []string{"#go"},
				ToUsers:         []string{"a", "b"},
				MentioningUsers: []string{"c"},
				MinLikes:        10,
				TweetType:       TweetTypeOriginalsOnly,
			},
			want: `(#go) (to:a OR to:b) @c -filter:replies -filter:retweets min_faves:10 since:2024-01-01_00:00:00 until:2024-01-02_00:00:00`,
		},
		{
			name: "operators in raw query win",
			req: SearchRequest{
				SearchQuery: "from:bob since:2020-01-01 min_faves:5",
				FromUsers:   []string{"alice"},
				MinLikes:    10,
			},
			want: `from:bob since:2020-01-01 min_faves:5 until:2024-01-02_00:00:00`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.req.Normalize().RawQuery("2024-01-01_00:00:00_UTC", "2024-01-02_00:00:00_UTC")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize(t *testing.T) {
	req := SearchRequest{
		FromUsers:   []string{" @alice ", ""},
		Hashtags:    []string{"##go", "  "},
		DisplayType: "top",
	}.Normalize()

	assert.Equal(t, []string{"alice"}, req.FromUsers)
	assert.Equal(t, []string{"go"}, req.Hashtags)
	assert.Equal(t, DisplayTop, req.DisplayType)
	assert.Equal(t, TweetTypeAll, req.TweetType)
	assert.True(t, req.HasCriteria())
	assert.False(t, SearchRequest{Since: "2024-01-01"}.HasCriteria())
}

func TestContinuation(t *testing.T) {
	base := &Task{
		TaskID:        "t1",
		Attempt:       1,
		LeaseID:       "lease",
		LeaseWorkerID: "acct:0",
	}

	next := base.Continuation("c1")
	require.NotNil(t, next)
	assert.Equal(t, "c1", Str(next.Query.Cursor))
	assert.Empty(t, next.CursorHistory)
	assert.Empty(t, next.LeaseID)
	assert.Empty(t, next.LeaseWorkerID)
	assert.Equal(t, 1, next.Attempt)
	assert.Equal(t, "t1", next.TaskID)
	assert.Equal(t, "lease", base.LeaseID, "original task is untouched")

	third := next.Continuation("c2")
	require.NotNil(t, third)
	assert.Equal(t, []string{"c1"}, third.CursorHistory)

	assert.Nil(t, third.Continuation(""), "empty cursor")
	assert.Nil(t, third.Continuation("c2"), "same cursor")
	assert.Nil(t, third.Continuation("c1"), "cursor seen before")
}

func TestParseCookies(t *testing.T) {
	assert.Equal(t, map[string]string{"ct0": "x"}, ParseCookies(`{"ct0":"x","n":1}`))
	assert.Equal(t, map[string]string{"auth_token": "t"}, ParseCookies(`[{"name":"auth_token","value":"t"}]`))
	assert.Empty(t, ParseCookies("not json"))
	assert.Empty(t, ParseCookies(""))
}

func TestAccountKey(t *testing.T) {
	assert.Equal(t, "u:alice", Account{ID: 3, Username: "alice"}.Key())
	assert.Equal(t, "t:tok", Account{ID: 3, AuthToken: Ptr("tok")}.Key())
	assert.Equal(t, "id:3", Account{ID: 3}.Key())
}

func TestRunStatsUnresolved(t *testing.T) {
	assert.Equal(t, 2, RunStats{TasksTotal: 5, TasksDone: 2, TasksFailed: 1}.Unresolved())
	assert.Equal(t, 0, RunStats{TasksTotal: 1, TasksDone: 2}.Unresolved())
}
