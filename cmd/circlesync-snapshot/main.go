package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/circle-sync/circlesync/internal/life360"
	"github.com/circle-sync/circlesync/internal/snapshot"
)

const (
	flagPathName            = "path"
	flagPathDescription     = "Path of the persisted Circles & Members snapshot"
	defaultSnapshotFileName = "circlesync_state.json"
	missingFileErrorMessage = "error: --path is required or the default snapshot file must exist"
	loadErrorFormat         = "read %s: %v"
	decodeErrorFormat       = "decode %s: %v"
	circleLineFormat        = "circle %s (%s): %d accounts, %d members\n"
	memberLineFormat        = "  member %s: %s\n"
	summaryLineFormat       = "%d circles, %d members\n"
)

func main() {
	var snapshotPath string

	flag.StringVar(&snapshotPath, flagPathName, defaultSnapshotFileName, flagPathDescription)
	flag.Parse()

	raw, err := os.ReadFile(snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, missingFileErrorMessage)
			os.Exit(2)
		}
		dief(loadErrorFormat, snapshotPath, err)
	}

	data, err := snapshot.Unmarshal(raw)
	if err != nil {
		dief(decodeErrorFormat, snapshotPath, err)
	}

	circleIDs := make([]life360.CircleID, 0, len(data.Circles))
	for circleID := range data.Circles {
		circleIDs = append(circleIDs, circleID)
	}
	sort.Slice(circleIDs, func(left int, right int) bool { return circleIDs[left] < circleIDs[right] })

	for _, circleID := range circleIDs {
		circleData := data.Circles[circleID]
		fmt.Printf(circleLineFormat, circleID, circleData.Name, len(circleData.AIDs), len(circleData.MIDs))
		memberIDs := make([]life360.MemberID, 0, len(circleData.MIDs))
		for memberID := range circleData.MIDs {
			memberIDs = append(memberIDs, memberID)
		}
		sort.Slice(memberIDs, func(left int, right int) bool { return memberIDs[left] < memberIDs[right] })
		for _, memberID := range memberIDs {
			name := strings.TrimSpace(data.MemberDetails[memberID].Name)
			fmt.Printf(memberLineFormat, memberID, name)
		}
	}
	fmt.Printf(summaryLineFormat, len(data.Circles), len(data.MemberDetails))
}

func dief(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
