package aps2

import (
	"fmt"
	"strings"
)

// StatusRegisters is the block of status words the board replies to a reset with
type StatusRegisters struct {
	HostFirmwareVersion uint32
	UserFirmwareVersion uint32
	ConfigurationSource uint32
	UserStatus          uint32
	DAC0Status          uint32
	DAC1Status          uint32
	PLLStatus           uint32
	VCXOStatus          uint32
	SendPacketCount     uint32
	RecvPacketCount     uint32
	SeqSkipCount        uint32
	SeqDupCount         uint32
	Uptime              uint32
	Reserved1           uint32
	Reserved2           uint32
	Reserved3           uint32
}

// StatusWords is the number of words in a StatusRegisters block
const StatusWords = 16

// ParseStatusRegisters fills a StatusRegisters from reply words.  Missing
// words are left zero.
func ParseStatusRegisters(w []uint32) StatusRegisters {
	var padded [StatusWords]uint32
	copy(padded[:], w)
	return StatusRegisters{
		HostFirmwareVersion: padded[0],
		UserFirmwareVersion: padded[1],
		ConfigurationSource: padded[2],
		UserStatus:          padded[3],
		DAC0Status:          padded[4],
		DAC1Status:          padded[5],
		PLLStatus:           padded[6],
		VCXOStatus:          padded[7],
		SendPacketCount:     padded[8],
		RecvPacketCount:     padded[9],
		SeqSkipCount:        padded[10],
		SeqDupCount:         padded[11],
		Uptime:              padded[12],
		Reserved1:           padded[13],
		Reserved2:           padded[14],
		Reserved3:           padded[15],
	}
}

// Words is the inverse of ParseStatusRegisters
func (s StatusRegisters) Words() []uint32 {
	return []uint32{
		s.HostFirmwareVersion, s.UserFirmwareVersion, s.ConfigurationSource, s.UserStatus,
		s.DAC0Status, s.DAC1Status, s.PLLStatus, s.VCXOStatus,
		s.SendPacketCount, s.RecvPacketCount, s.SeqSkipCount, s.SeqDupCount,
		s.Uptime, s.Reserved1, s.Reserved2, s.Reserved3,
	}
}

func (s StatusRegisters) String() string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "Host Firmware Version = %x\n", s.HostFirmwareVersion)
	fmt.Fprintf(b, "User Firmware Version = %x\n", s.UserFirmwareVersion)
	fmt.Fprintf(b, "Configuration Source  = %d\n", s.ConfigurationSource)
	fmt.Fprintf(b, "User Status           = %d\n", s.UserStatus)
	fmt.Fprintf(b, "DAC 0 Status          = %d\n", s.DAC0Status)
	fmt.Fprintf(b, "DAC 1 Status          = %d\n", s.DAC1Status)
	fmt.Fprintf(b, "PLL Status            = %d\n", s.PLLStatus)
	fmt.Fprintf(b, "VCXO Status           = %d\n", s.VCXOStatus)
	fmt.Fprintf(b, "Send Packet Count     = %d\n", s.SendPacketCount)
	fmt.Fprintf(b, "Recv Packet Count     = %d\n", s.RecvPacketCount)
	fmt.Fprintf(b, "Seq Skip Count        = %d\n", s.SeqSkipCount)
	fmt.Fprintf(b, "Seq Dup  Count        = %d\n", s.SeqDupCount)
	fmt.Fprintf(b, "Uptime                = %d\n", s.Uptime)
	return b.String()
}
