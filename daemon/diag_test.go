package daemon

import (
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/moby/cmirrord/daemon/cluster"
	"github.com/moby/cmirrord/daemon/mirrorlog"
	"github.com/moby/cmirrord/pkg/cpg"
)

func TestWriteDiagnostics(t *testing.T) {
	logs := []mirrorlog.Info{{
		UUID:             testUUID,
		LUID:             5,
		RegionSize:       2048,
		RegionCount:      64,
		SyncCount:        60,
		RecoveringRegion: 61,
		Recoverer:        2,
		Disk:             "253:4",
		DiskFailed:       true,
	}, {
		UUID:             testUUID,
		LUID:             6,
		Pending:          true,
		RecoveringRegion: mirrorlog.NoRegion,
		Recoverer:        mirrorlog.NoNode,
	}}
	groups := []cluster.GroupInfo{{
		Name:        testUUID,
		LUID:        5,
		State:       "VALID",
		Joined:      true,
		Server:      1,
		Working:     []string{"FLUSH/3", "MARK_REGION/4"},
		Checkpoints: []cpg.NodeID{3},
		History:     []string{"first", "second"},
	}}

	var b strings.Builder
	assert.NilError(t, writeDiagnostics(&b, logs, groups))
	out := b.String()
	assert.Check(t, is.Contains(out, "Log list (2):"))
	assert.Check(t, is.Contains(out, "/6 (pending)"))
	assert.Check(t, is.Contains(out, "region size:        2048 (1MiB)"))
	assert.Check(t, is.Contains(out, "recovering region:  61 (node 2)"))
	assert.Check(t, is.Contains(out, "recovering region:  none"))
	assert.Check(t, !strings.Contains(out, "4294967295"))
	assert.Check(t, is.Contains(out, "disk:               253:4 (D)"))
	assert.Check(t, is.Contains(out, "working queue:      2 [FLUSH/3, MARK_REGION/4]"))
	assert.Check(t, is.Contains(out, "startup queue:      empty"))
	assert.Check(t, is.Contains(out, "checkpoints:        [3]"))
	assert.Check(t, is.Contains(out, "history (2):\n    first\n    second\n"))
}
