package main

import (
	"errors"
	"testing"
	"time"

	osm "github.com/omniscale/go-osm"

	"github.com/osmtools/apidbload/stats"
)

type recordingWriter struct {
	order []string
}

func (r *recordingWriter) WriteNode(n *osm.Node) error {
	r.order = append(r.order, "node")
	return nil
}

func (r *recordingWriter) WriteWay(w *osm.Way) error {
	r.order = append(r.order, "way")
	return nil
}

func (r *recordingWriter) WriteRelation(rel *osm.Relation) error {
	r.order = append(r.order, "relation")
	return nil
}

type failingWriter struct {
	recordingWriter
	err error
}

func (f *failingWriter) WriteNode(n *osm.Node) error {
	return f.err
}

// produce emulates the single-worker parser: ordered input, barrier
// callbacks at the first way and the first relation, channels closed
// at the end.
func produce(pipe *elementPipeline, nodeBatches int) {
	for i := 0; i < nodeBatches; i++ {
		pipe.nodes <- []osm.Node{{Element: osm.Element{ID: int64(i)}}}
	}
	pipe.firstWay()
	pipe.ways <- []osm.Way{{Element: osm.Element{ID: 100}}}
	pipe.firstRelation()
	pipe.relations <- []osm.Relation{{Element: osm.Element{ID: 200}}}
	close(pipe.nodes)
	close(pipe.ways)
	close(pipe.relations)
}

func TestConsumeElementsKindOrder(t *testing.T) {
	pipe := newElementPipeline()
	rec := &recordingWriter{}

	// more node batches than the channel buffers, so batches are still
	// queued when the producer reaches the first way
	done := make(chan struct{})
	go func() {
		defer close(done)
		produce(pipe, 10)
	}()

	progress := stats.NewStatsReporter()
	err := consumeElements(pipe, rec, progress)
	progress.Stop()
	if err != nil {
		t.Fatal(err)
	}
	<-done

	if len(rec.order) != 12 {
		t.Fatal("unexpected write count:", len(rec.order))
	}
	for i, kind := range rec.order {
		switch {
		case i < 10 && kind != "node":
			t.Fatalf("write %d: %s before all nodes were written", i, kind)
		case i == 10 && kind != "way":
			t.Fatalf("write %d: expected way, got %s", i, kind)
		case i == 11 && kind != "relation":
			t.Fatalf("write %d: expected relation, got %s", i, kind)
		}
	}
}

func TestConsumeElementsParserAbort(t *testing.T) {
	pipe := newElementPipeline()

	// a failed parse leaves the element channels open; the abort
	// signal must unblock the consumer anyway
	go func() {
		pipe.nodes <- []osm.Node{{Element: osm.Element{ID: 1}}}
		pipe.abort()
	}()

	result := make(chan error, 1)
	go func() {
		progress := stats.NewStatsReporter()
		err := consumeElements(pipe, &recordingWriter{}, progress)
		progress.Stop()
		result <- err
	}()

	select {
	case err := <-result:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("consumer blocked after parser abort")
	}
}

func TestConsumeElementsErrorReleasesProducer(t *testing.T) {
	pipe := newElementPipeline()
	failure := errors.New("disk full")

	done := make(chan struct{})
	go func() {
		defer close(done)
		produce(pipe, 10)
	}()

	progress := stats.NewStatsReporter()
	err := consumeElements(pipe, &failingWriter{err: failure}, progress)
	progress.Stop()
	if err != failure {
		t.Fatal("write error not propagated:", err)
	}

	// the producer must still run to completion through the barriers
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked after write error")
	}
}
