package framing

import (
	"bytes"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/saker-ai/voice-relay/internal/protocol"
)

func audioMeta(size int) protocol.Message {
	return protocol.Message{Type: protocol.TypeBinaryMetadata, DataType: protocol.DataTypeAudio, Size: size}
}

func TestAcceptTwoChunksCompletesAudioTransfer(t *testing.T) {
	c := NewCodec(0)
	if _, err := c.Begin("c1", Inbound, audioMeta(9600)); err != nil {
		t.Fatalf("Begin error: %v", err)
	}

	first := bytes.Repeat([]byte{0x01}, 4800)
	second := bytes.Repeat([]byte{0x02}, 4800)

	if got := c.Accept("c1", Inbound, first); got.Outcome != Partial {
		t.Fatalf("first Accept outcome=%v, want %v", got.Outcome, Partial)
	}

	calls := 0
	err := c.Deliver("c1", Inbound, second, func(r Result) error {
		calls++
		if r.Outcome != Complete {
			t.Fatalf("outcome=%v, want %v", r.Outcome, Complete)
		}
		if len(r.Buffer) != 9600 {
			t.Fatalf("len(buffer)=%d, want 9600", len(r.Buffer))
		}
		if r.DataType != protocol.DataTypeAudio {
			t.Fatalf("dataType=%q, want %q", r.DataType, protocol.DataTypeAudio)
		}
		if !bytes.Equal(r.Buffer, append(append([]byte(nil), first...), second...)) {
			t.Fatal("buffer is not the concatenation of both chunks")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("callback calls=%d, want 1", calls)
	}
	if c.Pending("c1", Inbound) {
		t.Fatal("transfer still pending after completion")
	}
}

func TestAcceptWithoutMetadataIsUnannotated(t *testing.T) {
	c := NewCodec(0)
	frame := []byte{0x0a, 0x0b}
	got := c.Accept("c1", Inbound, frame)
	if got.Outcome != Unannotated {
		t.Fatalf("outcome=%v, want %v", got.Outcome, Unannotated)
	}
	if !bytes.Equal(got.Buffer, frame) {
		t.Fatalf("buffer=%v, want %v", got.Buffer, frame)
	}
}

func TestBeginReplacesPendingTransfer(t *testing.T) {
	c := NewCodec(0)
	if _, err := c.Begin("c1", Inbound, audioMeta(10)); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	c.Accept("c1", Inbound, []byte("stale"))

	replaced, err := c.Begin("c1", Inbound, protocol.Message{Type: protocol.TypeBinaryMetadata, Size: 3})
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if !replaced {
		t.Fatal("replaced=false, want true")
	}

	got := c.Accept("c1", Inbound, []byte("new"))
	if got.Outcome != Complete {
		t.Fatalf("outcome=%v, want %v", got.Outcome, Complete)
	}
	if string(got.Buffer) != "new" {
		t.Fatalf("buffer=%q, want %q", got.Buffer, "new")
	}
	if got.DataType != DefaultDataType {
		t.Fatalf("dataType=%q, want %q", got.DataType, DefaultDataType)
	}
}

func TestCallbackErrorClearsPendingTransfer(t *testing.T) {
	c := NewCodec(0)
	if _, err := c.Begin("c1", Inbound, audioMeta(2)); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	boom := errors.New("boom")
	err := c.Deliver("c1", Inbound, []byte{1, 2}, func(Result) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Deliver err=%v, want %v", err, boom)
	}
	if c.Pending("c1", Inbound) {
		t.Fatal("transfer still pending after callback error")
	}
}

func TestOvershootCompletesWithOverflow(t *testing.T) {
	c := NewCodec(0)
	if _, err := c.Begin("c1", Inbound, audioMeta(4)); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	got := c.Accept("c1", Inbound, []byte{1, 2, 3, 4, 5, 6})
	if got.Outcome != Complete || got.Overflow != 2 {
		t.Fatalf("outcome=%v overflow=%d, want complete/2", got.Outcome, got.Overflow)
	}
}

func TestBeginRejectsInvalidSizes(t *testing.T) {
	c := NewCodec(100)
	if _, err := c.Begin("c1", Inbound, audioMeta(0)); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("Begin(size=0) err=%v, want ErrInvalidSize", err)
	}
	if _, err := c.Begin("c1", Inbound, audioMeta(101)); !errors.Is(err, ErrTransferTooLarge) {
		t.Fatalf("Begin(size=101) err=%v, want ErrTransferTooLarge", err)
	}
	if c.Pending("c1", Inbound) {
		t.Fatal("rejected metadata opened a transfer")
	}
}

func TestDirectionsAreIndependent(t *testing.T) {
	c := NewCodec(0)
	if _, err := c.Begin("c1", Outbound, audioMeta(4)); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if got := c.Accept("c1", Inbound, []byte{1}); got.Outcome != Unannotated {
		t.Fatalf("inbound outcome=%v, want %v", got.Outcome, Unannotated)
	}
	if !c.Pending("c1", Outbound) {
		t.Fatal("outbound transfer was disturbed by inbound frame")
	}
	c.Drop("c1")
	if c.Pending("c1", Outbound) {
		t.Fatal("Drop left an outbound transfer")
	}
}

func TestEncodeSplitsFrames(t *testing.T) {
	buf := bytes.Repeat([]byte{0x7f}, 10)
	meta, frames := Encode(buf, protocol.Message{DataType: protocol.DataTypeAudio}, 4)
	if meta.Type != protocol.TypeBinaryMetadata || meta.Size != 10 {
		t.Fatalf("meta=%+v, want binary_metadata size 10", meta)
	}
	if len(frames) != 3 || len(frames[2]) != 2 {
		t.Fatalf("frames=%d last=%d, want 3 frames ending with 2 bytes", len(frames), len(frames[len(frames)-1]))
	}
}

func TestReassemblyEqualsConcatenation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	chunks := gen.SliceOf(gen.SliceOf(gen.UInt8())).SuchThat(func(cs [][]byte) bool {
		if len(cs) == 0 {
			return false
		}
		for _, chunk := range cs {
			if len(chunk) == 0 {
				return false
			}
		}
		return true
	})

	properties.Property("reassembled buffer is the arrival-order concatenation", prop.ForAll(
		func(cs [][]byte) bool {
			c := NewCodec(0)
			want := bytes.Join(cs, nil)
			if _, err := c.Begin("p", Inbound, audioMeta(len(want))); err != nil {
				return false
			}
			for i, chunk := range cs {
				got := c.Accept("p", Inbound, chunk)
				if i < len(cs)-1 {
					if got.Outcome != Partial {
						return false
					}
					continue
				}
				if got.Outcome != Complete || len(got.Buffer) != len(want) {
					return false
				}
				return bytes.Equal(got.Buffer, want) && !c.Pending("p", Inbound)
			}
			return false
		},
		chunks,
	))

	properties.Property("encoded frames reassemble to the source buffer", prop.ForAll(
		func(buf []byte, maxFrame int) bool {
			meta, frames := Encode(buf, protocol.Message{}, maxFrame)
			c := NewCodec(0)
			if _, err := c.Begin("p", Inbound, meta); err != nil {
				return false
			}
			var out Result
			for _, frame := range frames {
				out = c.Accept("p", Inbound, frame)
			}
			return out.Outcome == Complete && bytes.Equal(out.Buffer, buf)
		},
		gen.SliceOf(gen.UInt8()).SuchThat(func(b []byte) bool { return len(b) > 0 }),
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}
