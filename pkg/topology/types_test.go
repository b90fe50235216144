package topology

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestTopology_NodeType_JSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(NodeTypeTransaction)
	require.NoError(t, err)
	require.Equal(t, `"transaction"`, string(b))

	var nt NodeType
	require.NoError(t, json.Unmarshal([]byte(`"service"`), &nt))
	require.Equal(t, NodeTypeService, nt)

	err = json.Unmarshal([]byte(`"database"`), &nt)
	require.ErrorIs(t, err, ErrUnknownNodeType)

	err = json.Unmarshal([]byte(`1`), &nt)
	require.ErrorIs(t, err, ErrUnknownNodeType)

	_, err = json.Marshal(NodeType(9))
	require.Error(t, err)
}

func TestTopology_EdgeStatus_Parse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    EdgeStatus
		wantErr bool
	}{
		{in: "ok", want: EdgeStatusOk},
		{in: "expected_error", want: EdgeStatusExpectedError},
		{in: "unexpected_error", want: EdgeStatusUnexpectedError},
		{in: "OK", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseEdgeStatus(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownEdgeStatus)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.in, got.String())
		})
	}
}

func TestTopology_StatusCounts(t *testing.T) {
	t.Parallel()

	c := StatusCounts{StatusOk: 5, StatusExpectedError: 2, StatusUnexpectedError: 1}
	require.Equal(t, uint64(8), c.Total())
	require.Equal(t, uint64(2), c.Get(EdgeStatusExpectedError))
	require.Equal(t, uint64(0), c.Get(EdgeStatus(0)))

	sum := c.Add(StatusCounts{StatusOk: 1, StatusUnexpectedError: 4})
	require.Equal(t, StatusCounts{StatusOk: 6, StatusExpectedError: 2, StatusUnexpectedError: 5}, sum)
}

func TestTopology_CombinedEdge_FlattensCounters(t *testing.T) {
	t.Parallel()

	e := CombinedEdge{
		FromNodeID:   uuid.MustParse("50e1147a-2643-4b97-a0bd-be87f84851c3"),
		ToNodeID:     uuid.MustParse("8f211529-1b79-4d02-9b34-44bbffdc54fa"),
		StatusCounts: StatusCounts{StatusOk: 3},
	}
	b, err := json.Marshal(e)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	require.Equal(t, float64(3), m["status_ok"])
	require.Equal(t, float64(0), m["status_unexpected_error"])
	require.Contains(t, m, "description")
	require.Nil(t, m["description"])
}

func TestTopology_Edge_DecodesWirePayload(t *testing.T) {
	t.Parallel()

	payload := `{
		"ts": "2024-01-01T12:00:00.000Z",
		"from_node_id": "50e1147a-2643-4b97-a0bd-be87f84851c3",
		"to_node_id": "8f211529-1b79-4d02-9b34-44bbffdc54fa",
		"status": "unexpected_error",
		"n": 7,
		"description": "GET /users"
	}`
	var e Edge
	require.NoError(t, json.Unmarshal([]byte(payload), &e))
	require.Equal(t, EdgeStatusUnexpectedError, e.Status)
	require.Equal(t, uint32(7), e.N)
	require.True(t, e.Ts.Equal(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)))
	require.NotNil(t, e.Description)
	require.Equal(t, "GET /users", *e.Description)
	require.Nil(t, e.Class)
}
