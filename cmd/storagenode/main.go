package main

import (
	"context"
	"flag"
	"log"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/chn0318/tlog/config"
	"github.com/chn0318/tlog/mapservice"
	"github.com/chn0318/tlog/mutation"
	"github.com/chn0318/tlog/peekcursor"
	"github.com/chn0318/tlog/storageserver"
	"github.com/chn0318/tlog/tlogrpc"
)

func main() {
	addr := flag.String("addr", "localhost:50051", "tlog server address")
	teamList := flag.String("teams", "", "comma-separated storage team ids to follow")
	begin := flag.Int64("begin", 0, "begin version")
	flag.Parse()

	config.SetDefaults()
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer logger.Sync()

	if *teamList == "" {
		log.Fatal("-teams is required")
	}

	client, err := tlogrpc.Dial(*addr, logger,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial error: %v", err)
	}
	defer client.Close()

	cursor := peekcursor.NewOrderedMergedCursor()
	cursor.SetLogger(logger)
	for _, raw := range strings.Split(*teamList, ",") {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			log.Fatalf("bad team id %q: %v", raw, err)
		}
		cursor.AddCursor(peekcursor.NewStorageTeamCursor(
			mutation.Version(*begin),
			mutation.StorageTeamID(id),
			[]peekcursor.Endpoint{client},
			true,
		))
	}

	maps := mapservice.New()
	applier := storageserver.NewApplier(cursor, maps, logger)

	log.Printf("pulling %d teams from %s starting at version %d",
		cursor.NumCursors(), *addr, *begin)
	if err := applier.Run(context.Background()); err != nil {
		log.Fatalf("applier error: %v", err)
	}
	log.Printf("stream ended: %d keys, applied through version %d",
		maps.Len(), maps.MaxAppliedVersion())
}
