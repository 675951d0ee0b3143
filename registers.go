// Copyright 2020 by Thorsten von Eicken, see LICENSE file

package qca7k

// SPI command word bits. The command word is 16 bits, sent big-endian as the
// first two bytes of every transfer: bit 15 selects read vs write, bit 14
// selects an internal register vs the external buffer, and the low 14 bits
// carry the register address (zero for external-buffer transfers).
const (
	SPI_READ     = 1 << 15
	SPI_WRITE    = 0 << 15
	SPI_INTERNAL = 1 << 14
	SPI_EXTERNAL = 0 << 14
)

// Internal registers, all 16 bits wide.
const (
	REG_BFR_SIZE        = 0x0100 // byte count of the next external-buffer transfer
	REG_WRBUF_SPC_AVA   = 0x0200 // free space in the modem's write buffer
	REG_RDBUF_BYTE_AVA  = 0x0300 // bytes waiting in the modem's read buffer
	REG_SPI_CONFIG      = 0x0400 // write: config, bit 6 is slave reset
	REG_SPI_STATUS      = 0x0400 // read: status, same address as config
	REG_INTR_CAUSE      = 0x0C00 // pending interrupt causes, write 1 to clear
	REG_INTR_ENABLE     = 0x0D00 // enabled interrupt sources
	REG_RDBUF_WATERMARK = 0x1200
	REG_WRBUF_WATERMARK = 0x1300
	REG_SIGNATURE       = 0x1A00 // reads 0xAA55 while the modem CPU is up
	REG_ACTION_CTRL     = 0x1B00
)

// INTR_CAUSE / INTR_ENABLE bits.
const (
	INT_WRBUF_BELOW_WM = 1 << 10
	INT_CPU_ON         = 1 << 6
	INT_ADDR_ERR       = 1 << 3
	INT_WRBUF_ERR      = 1 << 2
	INT_RDBUF_ERR      = 1 << 1
	INT_PKT_AVLBL      = 1 << 0
)

const (
	SLAVE_RESET_BIT = 1 << 6 // in REG_SPI_CONFIG

	GOOD_SIGNATURE = 0xAA55

	// HW_BUF_LEN is the size of the modem's write buffer; WRBUF_SPC_AVA
	// reads this value when the buffer is completely empty. It also bounds
	// a single burst transfer.
	HW_BUF_LEN = 0xC5B
)
