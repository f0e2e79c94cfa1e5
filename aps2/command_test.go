package aps2

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCommandPackUnpack(t *testing.T) {
	cmds := []Command{
		{},
		{Cmd: CmdUserIOAck, Cnt: 256},
		{Ack: true, Read: true, Cmd: CmdUserIOAck, Cnt: 1},
		{Seq: true, Sel: true, Cmd: CmdChipConfigIO, ModeStat: 0xAB, Cnt: 0xFFFF},
		{Cmd: CmdReset, ModeStat: ResetReconfigUserEPROM},
	}
	for _, c := range cmds {
		got := UnpackCommand(c.Pack())
		if got != c {
			t.Errorf("%s unpacked as %s", c, got)
		}
	}
}

func TestCommandWordLayout(t *testing.T) {
	c := Command{Ack: true, Read: true, Cmd: CmdUserIOAck, ModeStat: 0x2, Cnt: 0x10}
	if w := c.Pack(); w != 0x91020010 {
		t.Fatalf("expected 0x91020010, got 0x%08X", w)
	}
}

func TestChipConfigPackUnpack(t *testing.T) {
	c := ChipConfigCommand{Target: TargetPLL, SPICntData: 2, Instr: PLLInstruction(false, PLLCyclesAddr, 2)}
	if got := UnpackChipConfig(c.Pack()); got != c {
		t.Fatalf("%s unpacked as %s", c, got)
	}
	if instr := PLLInstruction(true, 0x1FFF, 9); instr != 0xFFFF {
		t.Errorf("streaming read instruction 0x%04X", instr)
	}
	if instr := DACInstruction(true, dacReg(2, dacSDReg)); instr != 0xC5 {
		t.Errorf("DAC 2 read instruction 0x%02X", instr)
	}
}

func TestCmdByteOffsets(t *testing.T) {
	cases := []struct {
		n    int
		want []int
	}{
		{0, nil},
		{1, []int{0}},
		{256, []int{0}},
		{257, []int{0, 520}},
		{600, []int{0, 520, 1040}},
	}
	for _, c := range cases {
		if diff := cmp.Diff(c.want, CmdByteOffsets(c.n)); diff != "" {
			t.Errorf("CmdByteOffsets(%d) (-want +got):\n%s", c.n, diff)
		}
	}
	if diff := cmp.Diff([]uint32{0x100, 0x200, 0x300}, RecordAddrs(0x100, 600)); diff != "" {
		t.Errorf("RecordAddrs (-want +got):\n%s", diff)
	}
}

func TestEncodeWriteSplitsLongWrites(t *testing.T) {
	data := make([]uint16, 600)
	for i := range data {
		data[i] = uint16(i * 7)
	}
	packet := EncodeWrite(0x1000, data)
	if want := 3*recordHeader + 2*len(data); len(packet) != want {
		t.Fatalf("packet of %d bytes, expected %d", len(packet), want)
	}
	recs, err := DecodeRecords(packet)
	if err != nil {
		t.Fatal(err)
	}
	wantCnt := []uint16{256, 256, 88}
	for i, r := range recs {
		if r.Command.Cnt != wantCnt[i] || r.Addr != 0x1000+uint32(256*i) {
			t.Errorf("record %d: cnt %d addr 0x%X", i, r.Command.Cnt, r.Addr)
		}
	}
	addr, got, err := DecodeWrite(packet)
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x1000 {
		t.Errorf("decoded address 0x%X", addr)
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("decoded data (-want +got):\n%s", diff)
	}
}

func TestDecodeWriteRejectsReads(t *testing.T) {
	_, _, err := DecodeWrite(EncodeRead(0x8000, 2))
	if !errors.Is(err, ErrNotWrite) {
		t.Fatalf("expected ErrNotWrite, got %v", err)
	}
	_, err = DecodeRecords(EncodeWrite(0, []uint16{1, 2})[:10])
	if !errors.Is(err, ErrShortPacket) {
		t.Fatalf("expected ErrShortPacket, got %v", err)
	}
}
