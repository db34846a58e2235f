package publish

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	digesterrs "github.com/jdholdren/digest/internal/errors"
	"github.com/jdholdren/digest/internal/snapshot"
)

// Records every call, failing the one named in failOn.
type recordingSink struct {
	calls  []string
	failOn string
}

func (s *recordingSink) PutObject(_ context.Context, key string, _ []byte, contentType, cacheControl string) error {
	call := fmt.Sprintf("put %s %s %s", key, contentType, cacheControl)
	s.calls = append(s.calls, call)
	if s.failOn == "put "+key {
		return errors.New("denied")
	}
	return nil
}

func (s *recordingSink) SetPublicRead(_ context.Context, key string) error {
	s.calls = append(s.calls, "acl "+key)
	if s.failOn == "acl "+key {
		return errors.New("denied")
	}
	return nil
}

func TestPublish(t *testing.T) {
	sink := &recordingSink{}
	err := NewPublisher(sink).Publish(context.Background(), snapshot.Snapshot{JSON: []byte("[]"), HTML: []byte("<html></html>")})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"put entries.json application/json max-age=3600",
		"acl entries.json",
		"put index.html text/html;charset=utf-8 max-age=3600",
		"acl index.html",
	}, sink.calls)
}

func TestPublish_Failures(t *testing.T) {
	tests := []struct {
		failOn    string
		wantCalls int
	}{
		{failOn: "put entries.json", wantCalls: 1},
		{failOn: "acl entries.json", wantCalls: 2},
		{failOn: "put index.html", wantCalls: 3},
		{failOn: "acl index.html", wantCalls: 4},
	}

	for _, tt := range tests {
		t.Run(tt.failOn, func(t *testing.T) {
			sink := &recordingSink{failOn: tt.failOn}
			err := NewPublisher(sink).Publish(context.Background(), snapshot.Snapshot{})
			require.Error(t, err)
			assert.Equal(t, digesterrs.KindPublish, digesterrs.KindOf(err))
			assert.Len(t, sink.calls, tt.wantCalls)
		})
	}
}
