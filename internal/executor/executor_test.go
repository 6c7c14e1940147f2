package executor

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConvertValue(t *testing.T) {
	t.Run("时间转RFC3339", func(t *testing.T) {
		ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
		assert.Equal(t, "2025-03-14T09:26:53Z", convertValue(ts))
	})

	t.Run("时间指针转RFC3339", func(t *testing.T) {
		ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
		assert.Equal(t, "2025-03-14T09:26:53Z", convertValue(&ts))
	})

	t.Run("空时间指针转nil", func(t *testing.T) {
		var ts *time.Time
		assert.Nil(t, convertValue(ts))
	})

	t.Run("字节串转base64", func(t *testing.T) {
		raw := []byte{0x01, 0x02, 0xff}
		assert.Equal(t, base64.StdEncoding.EncodeToString(raw), convertValue(raw))
	})

	t.Run("标量原样返回", func(t *testing.T) {
		assert.Equal(t, int64(42), convertValue(int64(42)))
		assert.Equal(t, "hello", convertValue("hello"))
		assert.Equal(t, 3.14, convertValue(3.14))
		assert.Nil(t, convertValue(nil))
		assert.Equal(t, true, convertValue(true))
	})
}

func TestConvertRow(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	row := convertRow([]any{int64(1), "alice", ts, []byte("blob")})

	assert.Equal(t, int64(1), row[0])
	assert.Equal(t, "alice", row[1])
	assert.Equal(t, "2025-01-01T00:00:00Z", row[2])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("blob")), row[3])
}

func TestQueryError(t *testing.T) {
	inner := errors.New(`relation "ghost" does not exist`)
	err := &QueryError{SQL: "SELECT * FROM ghost;", Err: inner}

	assert.Contains(t, err.Error(), `relation "ghost" does not exist`)
	assert.ErrorIs(t, err, inner)
}
