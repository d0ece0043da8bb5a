package si4713

/*
Command and property numbers, from AN332 "Si47xx Programming Guide",
transmitter sections.

Every command is written as [op, args...] and the chip answers with a
status byte whose top bit (CTS) says it's ready for the next one. Responses
(TX_TUNE_STATUS, TX_ASQ_STATUS, GET_REV) are read back as a block starting
with that status byte.

Properties are 16 bit values set with SET_PROPERTY:

    [0x12, 0x00, idH, idL, valH, valL]
*/

const (
	DefaultAddr uint16 = 0x63

	ctsBit = 0x80
)

const (
	cmdPowerUp      byte = 0x01
	cmdGetRev       byte = 0x10
	cmdSetProperty  byte = 0x12
	cmdTxTuneFreq   byte = 0x30
	cmdTxTunePower  byte = 0x31
	cmdTxTuneStatus byte = 0x33
	cmdTxASQStatus  byte = 0x34
	cmdTxRDSBuff    byte = 0x35
	cmdTxRDSPS      byte = 0x36
	cmdGPOCtl       byte = 0x80
)

const (
	// POWER_UP args: CTS interrupt off, GPO2 output, crystal osc on, TX mode,
	// analog audio input.
	powerUpArg1 = 0x12
	powerUpArg2 = 0x50

	// GPO1..3 as outputs
	gpoOutputs = 0x0e

	// TX_RDS_BUFF sub-commands
	rdsBuffLoadReset = 0x06 // empty the circular buffer, then load
	rdsBuffLoad      = 0x04

	asqClear = 0x01 // TX_ASQ_STATUS: clear the latched flags
)

const (
	propRefClkFreq     uint16 = 0x0201
	propTxComponent    uint16 = 0x2100 // bit 0 L-R, bit 1 pilot, bit 2 RDS
	propTxAudioDev     uint16 = 0x2101 // 10 Hz units
	propTxPilotDev     uint16 = 0x2102
	propTxRDSDev       uint16 = 0x2103
	propTxLineMute     uint16 = 0x2105
	propTxPreemphasis  uint16 = 0x2106 // 0: 75us, 1: 50us, 2: off
	propTxPilotFreq    uint16 = 0x2107
	propTxACompEnable  uint16 = 0x2200 // bit 0 compressor, bit 1 limiter
	propTxACompThresh  uint16 = 0x2201
	propTxACompAttack  uint16 = 0x2202
	propTxACompRelease uint16 = 0x2203
	propTxACompGain    uint16 = 0x2204
	propTxLimRelease   uint16 = 0x2205
	propTxASQIntSelect uint16 = 0x2300
	propTxRDSPI        uint16 = 0x2c01
	propTxRDSPSMisc    uint16 = 0x2c03
	propTxRDSPSRepeat  uint16 = 0x2c04
	propTxRDSPSCount   uint16 = 0x2c05
	propTxRDSPSAF      uint16 = 0x2c06
)

// TX_COMPONENT_ENABLE
const (
	componentMPX = 0x0003 // pilot + L-R, i.e. stereo
	componentRDS = 0x0004
)

/*
TX_RDS_PS_MISC:

    RDSD3 (stereo)          : x..._...._...._....
    RDSD2 (artificial head) : .x.._...._...._....
    RDSD1 (compressed)      : ..x._...._...._....
    RDSD0 (dynamic PTY)     : ...x_...._...._....
    forced B                : ...._x..._...._....
    TP                      : ...._.x.._...._....
    PTY                     : ...._..xx_xxx._....
    TA                      : ...._...._...x_....
    MS                      : ...._...._...._x...
*/
const (
	miscStereo         = 1 << 15
	miscArtificialHead = 1 << 14
	miscCompressed     = 1 << 13
	miscDynamicPTY     = 1 << 12
	miscTP             = 1 << 10
	miscTA             = 1 << 4
	miscMS             = 1 << 3

	miscPTYShift = 5
	miscPTYMask  = 0xfc1f // everything except PTY
)

const (
	rtLen    = 32
	rtSegLen = 4
	psLen    = 8

	// TX_RDS_PS holds 12 messages of two 4 character halves.
	maxPSSlots = 12
)
