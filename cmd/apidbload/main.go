package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lib/pq"
	osm "github.com/omniscale/go-osm"
	"github.com/omniscale/go-osm/parser/pbf"

	"github.com/osmtools/apidbload/apidb"
	"github.com/osmtools/apidbload/config"
	"github.com/osmtools/apidbload/log"
	"github.com/osmtools/apidbload/stats"
	"github.com/osmtools/apidbload/writer"
)

const version = "0.1.0"

func printCmds() {
	fmt.Fprintf(os.Stderr, "Usage: %s COMMAND [args]\n\n", os.Args[0])
	fmt.Println("Available commands:")
	fmt.Println("\tload")
	fmt.Println("\tversion")
}

func main() {
	if len(os.Args) <= 1 {
		printCmds()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "load":
		config.ParseLoad(os.Args[2:])
		load()
	case "version":
		fmt.Println(version)
		os.Exit(0)
	default:
		printCmds()
		log.Fatalf("invalid command: '%s'", os.Args[1])
	}
	os.Exit(0)
}

func load() {
	opts := &config.LoadOptions
	if opts.Quiet {
		log.SetMinLevel(log.LStep)
	}

	conf, err := opts.WriterConfig()
	if err != nil {
		log.Fatal(err)
	}

	db, err := openDB(opts.Connection)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	w, err := writer.New(conf, &apidb.SequenceOracle{DB: db})
	if err != nil {
		log.Fatal(err)
	}
	defer w.Close()

	step := log.Step("Reading and serializing elements, data pass 1")
	if err := readElements(opts.Read, w); err != nil {
		log.Fatal(err)
	}
	step()

	step = log.Step("Finalizing artifact")
	artifact, err := w.Finalize()
	if err != nil {
		log.Fatal(err)
	}
	step()

	if artifact == nil {
		log.Println("[info] No elements written")
		return
	}
	defer os.Remove(artifact.Path)

	if opts.KeepArtifact != "" {
		if err := copyFile(artifact.Path, opts.KeepArtifact); err != nil {
			log.Printf("[warn] unable to copy artifact to %s: %s", opts.KeepArtifact, err)
		} else {
			log.Printf("[info] Copied artifact to %s", opts.KeepArtifact)
		}
	}

	if !opts.Write {
		log.Println("[info] Skipping database apply (no -write)")
		return
	}

	step = log.Step(fmt.Sprintf("Applying %d records", artifact.Records))
	applier := &apidb.Applier{DB: db}
	applied, err := applier.Apply(artifact.Path)
	if err != nil {
		log.Fatal(err)
	}
	step()
	log.Printf("[info] Applied %d records", applied)
}

type elementWriter interface {
	WriteNode(*osm.Node) error
	WriteWay(*osm.Way) error
	WriteRelation(*osm.Relation) error
}

// elementPipeline connects the parser to the single writer loop. A
// nil batch on the nodes or ways channel signals that the parser
// reached the next element kind and is blocked until the preceding
// kind is written out completely.
type elementPipeline struct {
	nodes     chan []osm.Node
	ways      chan []osm.Way
	relations chan []osm.Relation
	nodesDone chan struct{}
	waysDone  chan struct{}
	quit      chan struct{}
}

func newElementPipeline() *elementPipeline {
	return &elementPipeline{
		nodes:     make(chan []osm.Node, 4),
		ways:      make(chan []osm.Way, 4),
		relations: make(chan []osm.Relation, 4),
		nodesDone: make(chan struct{}),
		waysDone:  make(chan struct{}),
		quit:      make(chan struct{}),
	}
}

// abort unblocks the consumer when the parser failed mid-stream: a
// failed parse never closes the element channels.
func (p *elementPipeline) abort() {
	close(p.quit)
}

// firstWay blocks the parser at the first way until every buffered
// node batch is written. Without this barrier the buffered channels
// could hand a way to the writer before the nodes it references are
// mapped.
func (p *elementPipeline) firstWay() {
	p.nodes <- nil
	<-p.nodesDone
}

// firstRelation blocks the parser at the first relation until every
// buffered way batch is written.
func (p *elementPipeline) firstRelation() {
	p.ways <- nil
	<-p.waysDone
}

// drain discards the rest of the stream after a write error, still
// releasing the barriers, so the parser can run to completion instead
// of blocking forever on a full channel.
func (p *elementPipeline) drain() {
	nodes, ways, relations := p.nodes, p.ways, p.relations
	for nodes != nil || ways != nil || relations != nil {
		select {
		case batch, ok := <-nodes:
			if !ok {
				nodes = nil
			} else if batch == nil {
				p.nodesDone <- struct{}{}
			}
		case batch, ok := <-ways:
			if !ok {
				ways = nil
			} else if batch == nil {
				p.waysDone <- struct{}{}
			}
		case _, ok := <-relations:
			if !ok {
				relations = nil
			}
		case <-p.quit:
			return
		}
	}
}

// readElements streams the PBF file into the writer. The file order
// (nodes before ways before relations) survives the channel handoff:
// the parser waits at the first way and the first relation until the
// preceding element kind is fully written.
func readElements(path string, w *writer.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	pipe := newElementPipeline()
	parser := pbf.New(f, pbf.Config{
		Nodes:           pipe.nodes,
		Ways:            pipe.ways,
		Relations:       pipe.relations,
		Concurrency:     1,
		OnFirstWay:      pipe.firstWay,
		OnFirstRelation: pipe.firstRelation,
	})

	parseResult := make(chan error, 1)
	go func() {
		err := parser.Parse(context.Background())
		if err != nil {
			pipe.abort()
		}
		parseResult <- err
	}()

	progress := stats.NewStatsReporter()
	before := w.Stats()[apidb.Changeset]
	writeErr := consumeElements(pipe, w, progress)
	progress.AddChangesets(int(w.Stats()[apidb.Changeset] - before))
	progress.Stop()

	parseErr := <-parseResult
	if writeErr != nil {
		return writeErr
	}
	return parseErr
}

// consumeElements writes all batches in element kind order: nodes are
// drained completely before the first way batch is read, ways before
// the first relation batch. The nil sentinel batches release the
// parser barriers.
func consumeElements(pipe *elementPipeline, w elementWriter, progress *stats.Statistics) error {
nodes:
	for {
		select {
		case batch, ok := <-pipe.nodes:
			if !ok {
				break nodes
			}
			if batch == nil {
				pipe.nodesDone <- struct{}{}
				break nodes
			}
			for i := range batch {
				if err := w.WriteNode(&batch[i]); err != nil {
					pipe.drain()
					return err
				}
			}
			progress.AddNodes(len(batch))
		case <-pipe.quit:
			return nil
		}
	}
ways:
	for {
		select {
		case batch, ok := <-pipe.ways:
			if !ok {
				break ways
			}
			if batch == nil {
				pipe.waysDone <- struct{}{}
				break ways
			}
			for i := range batch {
				if err := w.WriteWay(&batch[i]); err != nil {
					pipe.drain()
					return err
				}
			}
			progress.AddWays(len(batch))
		case <-pipe.quit:
			return nil
		}
	}
	for {
		select {
		case batch, ok := <-pipe.relations:
			if !ok {
				return nil
			}
			for i := range batch {
				if err := w.WriteRelation(&batch[i]); err != nil {
					pipe.drain()
					return err
				}
			}
			progress.AddRelations(len(batch))
		case <-pipe.quit:
			return nil
		}
	}
}

func openDB(connection string) (*sql.DB, error) {
	params := connection
	if strings.HasPrefix(connection, "postgres://") || strings.HasPrefix(connection, "postgis://") {
		var err error
		params, err = pq.ParseURL(strings.Replace(connection, "postgis://", "postgres://", 1))
		if err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("postgres", params)
	if err != nil {
		return nil, err
	}
	return db, db.Ping()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
