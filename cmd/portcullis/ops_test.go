package main

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestExitForError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", trace.NotFound("no such policy"), exitNotFound},
		{"already exists", trace.AlreadyExists("already bound"), exitConflict},
		{"bad parameter", trace.BadParameter("missing subject"), exitUsage},
		{"other", trace.ConnectionProblem(nil, "db unreachable"), exitOther},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, exitForError(c.err))
		})
	}
}
