package testhelpers

import (
	"testing"

	"github.com/dbehnke/ambetools/pkg/dv3000"
)

func TestFakeDevice_AnswersProductQuery(t *testing.T) {
	dev := NewFakeDevice()
	port := dev.Port()

	req, _ := dv3000.Marshal(dv3000.ControlPacket(dv3000.Field{ID: dv3000.FieldProdID}))
	if _, err := port.Write(req); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	buf := make([]byte, 64)
	n, err := port.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	reply, err := dv3000.Unmarshal(buf[:n], dv3000.FromDevice)
	if err != nil {
		t.Fatalf("Reply did not decode: %v", err)
	}
	f, ok := reply.Field(dv3000.FieldProdID)
	if !ok || string(f.Payload) != "AMBE3000R\x00" {
		t.Errorf("Unexpected reply %s", reply)
	}
}

func TestFakeDevice_DropsScriptedWrites(t *testing.T) {
	dev := NewFakeDevice()
	dev.Drop[1] = true
	port := dev.Port()

	speech, _ := dv3000.SpeechPacket(make([]int16, dv3000.SamplesPerBlock))
	data, _ := dv3000.Marshal(speech)

	_, _ = port.Write(data)
	if n, _ := port.Read(make([]byte, 64)); n != 0 {
		t.Errorf("Expected no reply to the dropped write, got %d bytes", n)
	}

	_, _ = port.Write(data)
	if n, _ := port.Read(make([]byte, 64)); n == 0 {
		t.Error("Expected a reply to the second write")
	}
	if dev.Streamed() != 2 {
		t.Errorf("Expected 2 streamed packets, got %d", dev.Streamed())
	}
}

func TestMockPort_Closed(t *testing.T) {
	port := NewMockPort(nil)
	_ = port.Close()

	if _, err := port.Write([]byte{1}); err != ErrPortClosed {
		t.Errorf("Expected ErrPortClosed on write, got %v", err)
	}
	if _, err := port.Read(make([]byte, 1)); err != ErrPortClosed {
		t.Errorf("Expected ErrPortClosed on read, got %v", err)
	}
}
