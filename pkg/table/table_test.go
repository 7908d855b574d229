package table

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirection(t *testing.T) {
	tests := []struct {
		in      string
		want    Direction
		wantErr bool
	}{
		{in: "input", want: DirectionInput},
		{in: "Output", want: DirectionOutput},
		{in: " input ", want: DirectionInput},
		{in: "", wantErr: true},
		{in: "inout", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDirection(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDirection)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveDefaults(t *testing.T) {
	tbl := Default()

	tests := []struct {
		topic    string
		message  string
		endpoint string
		err      error
	}{
		{topic: DefaultControlTopic, message: "1", endpoint: "/H"},
		{topic: DefaultControlTopic, message: "2", endpoint: "/L"},
		{topic: DefaultControlTopic, message: "0", endpoint: "/L"},
		{topic: DefaultControlTopic, message: "3", err: ErrNoAction},
		{topic: DefaultControlTopic, message: " 1", err: ErrNoAction},
		{topic: DefaultStatusTopic, message: "1", err: ErrNotInput},
		{topic: "unknown", message: "1", err: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.topic+"/"+tt.message, func(t *testing.T) {
			action, err := tbl.Resolve(tt.topic, tt.message)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.endpoint, action.Endpoint)
		})
	}
}

func TestUpsertActionUnknownTopic(t *testing.T) {
	tbl := Default()
	before := tbl.Snapshot()

	err := tbl.UpsertAction("unknown", "3", "/X", "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, before, tbl.Snapshot())
}

func TestUpsertAction(t *testing.T) {
	tbl := Default()

	require.NoError(t, tbl.UpsertAction(DefaultControlTopic, "3", "/X", "Piscar"))
	action, err := tbl.Resolve(DefaultControlTopic, "3")
	require.NoError(t, err)
	assert.Equal(t, Action{Endpoint: "/X", Description: "Piscar"}, action)

	// replace
	require.NoError(t, tbl.UpsertAction(DefaultControlTopic, "3", "/Y", ""))
	action, err = tbl.Resolve(DefaultControlTopic, "3")
	require.NoError(t, err)
	assert.Equal(t, "/Y", action.Endpoint)
}

func TestUpsertTopicPreservesActions(t *testing.T) {
	tbl := New(Document{})

	assert.True(t, tbl.UpsertTopic("home/light", DirectionInput, "first"))
	require.NoError(t, tbl.UpsertAction("home/light", "on", "/on", "Ligar"))

	assert.False(t, tbl.UpsertTopic("home/light", DirectionInput, "second"))
	tp, ok := tbl.Get("home/light")
	require.True(t, ok)
	assert.Equal(t, "second", tp.Description)
	assert.Equal(t, map[string]Action{"on": {Endpoint: "/on", Description: "Ligar"}}, tp.Actions)
}

func TestUpsertTopicNewHasEmptyActions(t *testing.T) {
	tbl := New(Document{})
	tbl.UpsertTopic("a", DirectionOutput, "")
	tp, ok := tbl.Get("a")
	require.True(t, ok)
	assert.NotNil(t, tp.Actions)
	assert.Empty(t, tp.Actions)
}

func TestGetReturnsCopy(t *testing.T) {
	tbl := Default()
	tp, _ := tbl.Get(DefaultControlTopic)
	tp.Actions["9"] = Action{Endpoint: "/nope"}

	_, err := tbl.Resolve(DefaultControlTopic, "9")
	assert.ErrorIs(t, err, ErrNoAction)
}

func TestStatusTopic(t *testing.T) {
	name, ok := Default().StatusTopic()
	require.True(t, ok)
	assert.Equal(t, DefaultStatusTopic, name)

	tbl := New(Document{Topics: map[string]Topic{
		"b/out":   {Type: DirectionOutput, Description: "device status"},
		"a/out":   {Type: DirectionOutput, Description: "device status too"},
		"a/in":    {Type: DirectionInput, Description: "status of nothing"},
		"a/upper": {Type: DirectionOutput, Description: "Status"},
	}})
	name, ok = tbl.StatusTopic()
	require.True(t, ok)
	assert.Equal(t, "a/out", name)

	tbl = New(Document{Topics: map[string]Topic{
		"x": {Type: DirectionOutput, Description: "STATUS"},
		"y": {Type: DirectionInput, Description: "status"},
	}})
	_, ok = tbl.StatusTopic()
	assert.False(t, ok)
}

func TestInputTopics(t *testing.T) {
	tbl := Default()
	tbl.UpsertTopic("AAA/in", DirectionInput, "")
	assert.Equal(t, []string{"AAA/in", DefaultControlTopic}, tbl.InputTopics())
}
