package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequence_JSON(t *testing.T) {
	raw, err := json.Marshal(Sequence(9007199254740993))
	require.NoError(t, err)
	assert.Equal(t, `"9007199254740993"`, string(raw), "sequences serialize as strings to survive JS consumers")

	var s Sequence
	require.NoError(t, json.Unmarshal([]byte(`"42"`), &s))
	assert.Equal(t, Sequence(42), s)

	require.NoError(t, json.Unmarshal([]byte(`42`), &s))
	assert.Equal(t, Sequence(42), s)

	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &s))
}

func TestEvent_SubjectEntity(t *testing.T) {
	ev := &Event{Entities: []EntityRef{
		{EntityType: "vendor", EntityID: "vendor-1", Role: RoleRelated},
		{EntityType: "invoice", EntityID: "inv-1", Role: RoleSubject},
	}}

	subject := ev.SubjectEntity()
	require.NotNil(t, subject)
	assert.Equal(t, "inv-1", subject.EntityID)

	assert.Nil(t, (&Event{}).SubjectEntity())
}

func TestAppendInput_SubjectEntity(t *testing.T) {
	in := &AppendInput{Entities: []EntityRef{
		{EntityType: "vendor", EntityID: "vendor-1", Role: RoleSubject},
	}}
	require.NotNil(t, in.SubjectEntity())
	assert.Equal(t, "vendor-1", in.SubjectEntity().EntityID)
}
