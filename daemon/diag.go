package daemon

import (
	"fmt"
	"io"
	"strings"

	"github.com/docker/go-units"

	"github.com/moby/cmirrord/daemon/cluster"
	"github.com/moby/cmirrord/daemon/mirrorlog"
	"github.com/moby/cmirrord/daemon/ulog"
)

const sectorSize = 512

func writeDiagnostics(w io.Writer, logs []mirrorlog.Info, groups []cluster.GroupInfo) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Log list (%d):\n", len(logs))
	for i, l := range logs {
		list := "official"
		if l.Pending {
			list = "pending"
		}
		fmt.Fprintf(&b, "Log #%d: %s/%d (%s)\n", i, ulog.ShortUUID(l.UUID), l.LUID, list)
		fmt.Fprintf(&b, "  state:              %s\n", l.State)
		fmt.Fprintf(&b, "  region size:        %d (%s)\n", l.RegionSize, units.BytesSize(float64(l.RegionSize*sectorSize)))
		fmt.Fprintf(&b, "  region count:       %d\n", l.RegionCount)
		fmt.Fprintf(&b, "  sync count:         %d\n", l.SyncCount)
		fmt.Fprintf(&b, "  sync search:        %d\n", l.SyncSearch)
		if l.RecoveringRegion != mirrorlog.NoRegion {
			fmt.Fprintf(&b, "  recovering region:  %d (node %d)\n", l.RecoveringRegion, l.Recoverer)
		} else {
			fmt.Fprintf(&b, "  recovering region:  none\n")
		}
		if len(l.RecoveryRequests) > 0 {
			fmt.Fprintf(&b, "  recovery requests:  %v\n", l.RecoveryRequests)
		}
		fmt.Fprintf(&b, "  marks:              %d\n", l.Marks)
		fmt.Fprintf(&b, "  sync policy:        %s\n", l.Policy)
		fmt.Fprintf(&b, "  block on error:     %t\n", l.BlockOnError)
		if l.Disk != "" {
			state := "A"
			if l.DiskFailed {
				state = "D"
			}
			fmt.Fprintf(&b, "  disk:               %s (%s)\n", l.Disk, state)
		}
		if l.RecoveryHalted {
			fmt.Fprintf(&b, "  recovery halted\n")
		}
		if l.ResumeOverride != 0 {
			fmt.Fprintf(&b, "  resume override:    %d\n", l.ResumeOverride)
		}
	}

	fmt.Fprintf(&b, "Group list (%d):\n", len(groups))
	for _, g := range groups {
		fmt.Fprintf(&b, "Group %s/%d:\n", ulog.ShortUUID(g.Name), g.LUID)
		fmt.Fprintf(&b, "  state:              %s\n", g.State)
		fmt.Fprintf(&b, "  joined:             %t\n", g.Joined)
		fmt.Fprintf(&b, "  server:             %d\n", g.Server)
		fmt.Fprintf(&b, "  resend required:    %t\n", g.ResendRequired)
		fmt.Fprintf(&b, "  delay:              %d\n", g.Delay)
		fmt.Fprintf(&b, "  startup queue:      %s\n", queue(g.Startup))
		fmt.Fprintf(&b, "  working queue:      %s\n", queue(g.Working))
		fmt.Fprintf(&b, "  checkpoints:        %v\n", g.Checkpoints)
		fmt.Fprintf(&b, "  requesters:         %v\n", g.Requesters)
		fmt.Fprintf(&b, "  history (%d):\n", len(g.History))
		for _, h := range g.History {
			fmt.Fprintf(&b, "    %s\n", h)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func queue(entries []string) string {
	if len(entries) == 0 {
		return "empty"
	}
	return fmt.Sprintf("%d [%s]", len(entries), strings.Join(entries, ", "))
}
