package chat

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cenkalti/backoff/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUpdate_Message(t *testing.T) {
	body := `{
		"update_id": 7,
		"message": {
			"message_id": 42,
			"from": {"id": 1001, "is_bot": false, "first_name": "Ada"},
			"chat": {"id": -900123, "type": "group"},
			"date": 1756100000,
			"text": "/cmd kr4:1 git status"
		}
	}`
	r := httptest.NewRequest("POST", "/webhook", strings.NewReader(body))

	u, err := ParseUpdate(r, "")
	require.NoError(t, err)
	require.NotNil(t, u)

	assert.Equal(t, int64(-900123), u.ChatID)
	assert.Equal(t, int64(1001), u.UserID)
	assert.Equal(t, 42, u.MessageID)
	assert.Equal(t, "/cmd kr4:1 git status", u.Text)
	assert.Nil(t, u.Callback)
}

func TestParseUpdate_Callback(t *testing.T) {
	body := `{
		"update_id": 8,
		"callback_query": {
			"id": "cb-123",
			"from": {"id": 1001, "is_bot": false, "first_name": "Ada"},
			"message": {
				"message_id": 42,
				"chat": {"id": -900123, "type": "group"},
				"date": 1756100000
			},
			"data": "personal:3"
		}
	}`
	r := httptest.NewRequest("POST", "/webhook", strings.NewReader(body))

	u, err := ParseUpdate(r, "")
	require.NoError(t, err)
	require.NotNil(t, u)
	require.NotNil(t, u.Callback)

	assert.Equal(t, "cb-123", u.Callback.ID)
	assert.Equal(t, "personal:3", u.Callback.Data)
	assert.Equal(t, int64(-900123), u.ChatID)
	assert.Equal(t, int64(1001), u.UserID)
}

func TestParseUpdate_SecretMismatch(t *testing.T) {
	r := httptest.NewRequest("POST", "/webhook", strings.NewReader(`{"update_id":1}`))
	r.Header.Set(secretHeader, "wrong")

	u, err := ParseUpdate(r, "expected")
	require.ErrorIs(t, err, ErrBadSecret)
	assert.Nil(t, u)

	// A missing header fails the same way.
	r = httptest.NewRequest("POST", "/webhook", strings.NewReader(`{"update_id":1}`))
	_, err = ParseUpdate(r, "expected")
	assert.ErrorIs(t, err, ErrBadSecret)
}

func TestParseUpdate_SecretMatch(t *testing.T) {
	body := `{
		"update_id": 9,
		"message": {
			"message_id": 1,
			"from": {"id": 5, "is_bot": false, "first_name": "Ada"},
			"chat": {"id": 5, "type": "private"},
			"date": 1756100000,
			"text": "/help"
		}
	}`
	r := httptest.NewRequest("POST", "/webhook", strings.NewReader(body))
	r.Header.Set(secretHeader, "expected")

	u, err := ParseUpdate(r, "expected")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "/help", u.Text)
}

func TestParseUpdate_UnsupportedKindIsSkipped(t *testing.T) {
	body := `{
		"update_id": 10,
		"edited_message": {
			"message_id": 42,
			"chat": {"id": -900123, "type": "group"},
			"date": 1756100000,
			"text": "edited"
		}
	}`
	r := httptest.NewRequest("POST", "/webhook", strings.NewReader(body))

	u, err := ParseUpdate(r, "")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestParseUpdate_BadJSON(t *testing.T) {
	r := httptest.NewRequest("POST", "/webhook", strings.NewReader("{not json"))

	_, err := ParseUpdate(r, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode update")
}

func TestClassifyAPIError(t *testing.T) {
	isPermanent := func(err error) bool {
		var perm *backoff.PermanentError
		return errors.As(err, &perm)
	}

	badRequest := &tgbotapi.Error{Code: 400, Message: "Bad Request: can't parse entities"}
	assert.True(t, isPermanent(classifyAPIError(badRequest)))

	forbidden := &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}
	assert.True(t, isPermanent(classifyAPIError(forbidden)))

	rateLimited := &tgbotapi.Error{
		Code:               429,
		Message:            "Too Many Requests: retry after 7",
		ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 7},
	}
	assert.False(t, isPermanent(classifyAPIError(rateLimited)))

	serverError := &tgbotapi.Error{Code: 502, Message: "Bad Gateway"}
	assert.False(t, isPermanent(classifyAPIError(serverError)))

	networkError := errors.New("dial tcp: connection refused")
	assert.False(t, isPermanent(classifyAPIError(networkError)))
}

func TestAPIErrorCode(t *testing.T) {
	code, retryAfter := apiErrorCode(&tgbotapi.Error{
		Code:               429,
		ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 31},
	})
	assert.Equal(t, 429, code)
	assert.Equal(t, 31, retryAfter)

	// The API package returns pointer errors, but value form is handled
	// too.
	code, _ = apiErrorCode(tgbotapi.Error{Code: 400})
	assert.Equal(t, 400, code)

	code, retryAfter = apiErrorCode(errors.New("no connection"))
	assert.Zero(t, code)
	assert.Zero(t, retryAfter)
}
