package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/chn0318/tlog/config"
	"github.com/chn0318/tlog/memorytlog"
	"github.com/chn0318/tlog/mutation"
	"github.com/chn0318/tlog/peekcursor"
)

func main() {
	numTeams := flag.Int("teams", 5, "number of storage teams")
	numVersions := flag.Int("versions", 1000, "number of commit versions")
	perVersion := flag.Int("mutations-per-version", 100, "mutations per version per team")
	valueSize := flag.Int("value-bytes", 128, "value size in bytes")
	maxPerPeek := flag.Int("max-versions-per-peek", 50, "reply size bound, forces repeated peeks")
	flag.Parse()

	config.SetDefaults()

	log.Printf("cursor benchmark start: teams=%d, versions=%d, mutations-per-version=%d, value-bytes=%d",
		*numTeams, *numVersions, *perVersion, *valueSize)

	tl := memorytlog.New(mutation.TLogGroupID(uuid.New()))
	tl.SetMaxVersionsPerPeek(*maxPerPeek)

	teams := make([]mutation.StorageTeamID, *numTeams)
	for i := range teams {
		teams[i] = mutation.StorageTeamID(uuid.New())
		tl.AddTeam(teams[i])
	}

	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte(i)
	}

	// Fill the log: every version touches every team.
	for v := 0; v < *numVersions; v++ {
		version := mutation.Version(1000 + v)
		msgs := make(map[mutation.StorageTeamID][]mutation.Message, len(teams))
		for _, team := range teams {
			teamMsgs := make([]mutation.Message, 0, *perVersion)
			for i := 0; i < *perVersion; i++ {
				teamMsgs = append(teamMsgs, mutation.Mutation{
					Op:     mutation.MutationSet,
					Param1: []byte(fmt.Sprintf("k-%s-%d-%d", team, version, i)),
					Param2: value,
				})
			}
			msgs[team] = teamMsgs
		}
		if err := tl.CommitBroadcast(version, msgs); err != nil {
			log.Fatalf("commit error: %v", err)
		}
	}
	tl.SealEpoch()

	cursor := peekcursor.NewOrderedMergedCursor()
	for _, team := range teams {
		cursor.AddCursor(peekcursor.NewStorageTeamCursor(
			1000, team, []peekcursor.Endpoint{tl}, true))
	}

	ctx := context.Background()
	var consumed int
	startTime := time.Now()

	for {
		more, err := cursor.RemoteMoreAvailable(ctx)
		if err != nil {
			// End of stream once every team's epoch is drained.
			break
		}
		if !more {
			continue
		}
		for cursor.HasRemaining() {
			if cursor.Get().Message.MessageType() == mutation.MessageMutation {
				consumed++
			}
			cursor.Next()
		}
	}
	elapsed := time.Since(startTime).Seconds()

	expected := *numTeams * *numVersions * *perVersion
	totalBytes := float64(consumed * *valueSize)

	log.Printf("=== cursor benchmark result ===")
	log.Printf("Mutations expected:  %d", expected)
	log.Printf("Mutations consumed:  %d", consumed)
	log.Printf("Elapsed time:        %.3f s", elapsed)
	log.Printf("Throughput:          %.2f mutations/s", float64(consumed)/elapsed)
	log.Printf("Data throughput:     %.2f MB/s", totalBytes/(1024*1024)/elapsed)
}
