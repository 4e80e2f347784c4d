package eventbus

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructSchema_Parse(t *testing.T) {
	schema := NewStructSchema[leadCreated]()

	got, err := schema.Parse(json.RawMessage(`{"leadId":"L-5","score":55}`))
	require.NoError(t, err)
	assert.Equal(t, leadCreated{LeadID: "L-5", Score: 55}, got)

	got, err = schema.Parse(leadCreated{LeadID: "L-6"})
	require.NoError(t, err)
	assert.Equal(t, leadCreated{LeadID: "L-6"}, got)

	_, err = schema.Parse(map[string]any{"score": -1})
	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 2)

	_, err = schema.Parse(json.RawMessage(`{"leadId":12}`))
	assert.ErrorContains(t, err, "failed to decode payload")
}

func TestSchemaFunc(t *testing.T) {
	upper := SchemaFunc(func(data any) (any, error) {
		s, ok := data.(string)
		if !ok {
			return nil, errors.New("want string")
		}
		return s + "!", nil
	})

	got, err := upper.Parse("hi")
	require.NoError(t, err)
	assert.Equal(t, "hi!", got)

	_, err = upper.Parse(3)
	assert.EqualError(t, err, "want string")
}

func TestDecodeData(t *testing.T) {
	lead, err := DecodeData[leadCreated](&Event{Data: json.RawMessage(`{"leadId":"L-1","score":3}`)})
	require.NoError(t, err)
	assert.Equal(t, leadCreated{LeadID: "L-1", Score: 3}, lead)

	lead, err = DecodeData[leadCreated](&Event{Data: &leadCreated{LeadID: "L-2"}})
	require.NoError(t, err)
	assert.Equal(t, "L-2", lead.LeadID)

	m, err := DecodeData[map[string]any](&Event{Data: leadCreated{LeadID: "L-3"}})
	require.NoError(t, err)
	assert.Equal(t, "L-3", m["leadId"])

	_, err = DecodeData[leadCreated](nil)
	assert.Error(t, err)
}

func TestEncodePayload(t *testing.T) {
	raw, err := encodePayload(map[string]string{"html": "<b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<b>"}`, string(raw))

	raw, err = encodePayload([]byte(`{"already":"json"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"already":"json"}`, string(raw))

	raw, err = encodePayload(json.RawMessage(nil))
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))

	_, err = encodePayload(make(chan int))
	assert.Error(t, err)
}
