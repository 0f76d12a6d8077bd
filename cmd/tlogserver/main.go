package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/chn0318/tlog/config"
	"github.com/chn0318/tlog/memorytlog"
	"github.com/chn0318/tlog/mutation"
	"github.com/chn0318/tlog/tlogrpc"
)

func main() {
	addr := flag.String("addr", ":50051", "listen address")
	numTeams := flag.Int("teams", 3, "number of storage teams to register")
	feedInterval := flag.Duration("feed-interval", 0, "synthesize a broadcast commit this often (0 = off)")
	feedMutations := flag.Int("feed-mutations", 10, "mutations per synthesized version")
	flag.Parse()

	config.SetDefaults()
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer logger.Sync()

	tl := memorytlog.New(mutation.TLogGroupID(uuid.New()))
	tl.SetLogger(logger)

	teams := make([]mutation.StorageTeamID, 0, *numTeams)
	for i := 0; i < *numTeams; i++ {
		team := mutation.StorageTeamID(uuid.New())
		tl.AddTeam(team)
		teams = append(teams, team)
	}
	ids := make([]string, len(teams))
	for i, t := range teams {
		ids[i] = t.String()
	}
	log.Printf("storage teams: %s", strings.Join(ids, ","))

	if *feedInterval > 0 {
		go feed(tl, teams, *feedInterval, *feedMutations)
	}

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("listen error: %v", err)
	}

	grpcServer := grpc.NewServer()
	tlogrpc.RegisterTLogServer(grpcServer, tl)

	log.Printf("tlog gRPC server listening on %s", *addr)
	if err := grpcServer.Serve(lis); err != nil {
		log.Fatalf("serve error: %v", err)
	}
}

// feed commits synthetic broadcast versions so a storage node has something
// to pull.
func feed(tl *memorytlog.MemoryTLog, teams []mutation.StorageTeamID, interval time.Duration, perVersion int) {
	version := mutation.Version(1000)
	for range time.Tick(interval) {
		team := teams[int(version)%len(teams)]
		msgs := make([]mutation.Message, 0, perVersion)
		for i := 0; i < perVersion; i++ {
			msgs = append(msgs, mutation.Mutation{
				Op:     mutation.MutationSet,
				Param1: []byte(fmt.Sprintf("k-%d-%d", version, i)),
				Param2: []byte(fmt.Sprintf("v-%d-%d", version, i)),
			})
		}
		if err := tl.CommitBroadcast(version, map[mutation.StorageTeamID][]mutation.Message{team: msgs}); err != nil {
			log.Printf("feed commit error: %v", err)
			return
		}
		version++
	}
}
