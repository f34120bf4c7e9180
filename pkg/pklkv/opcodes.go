package pklkv

// Protocol-4 pickle opcode bytes used throughout the container format and
// GenericCodec. Names match the reference interchange format's own opcode
// names so the byte layouts in header.go/entry.go/genericcodec.go read the
// same way the wire format's own documentation does.
const (
	opMARK             = 0x28 // '(' — push mark
	opSTOP             = 0x2e // '.' — end of pickle
	opPOP              = 0x30 // '0' — discard top of stack
	opBINGET           = 0x68 // 'h'
	opLONG_BINGET      = 0x6a // 'j'
	opBINPUT           = 0x71 // 'q'
	opLONG_BINPUT      = 0x72 // 'r'
	opSETITEM          = 0x73 // 's'
	opTUPLE            = 0x74 // 't'
	opEMPTY_DICT       = 0x7d // '}'
	opAPPENDS          = 0x65 // 'e'
	opSETITEMS         = 0x75 // 'u'
	opAPPEND           = 0x61 // 'a'
	opEMPTY_LIST       = 0x5d // ']'
	opBININT           = 0x4a // 'J' — 4-byte signed int
	opBININT1          = 0x4b // 'K' — 1-byte unsigned int
	opBININT2          = 0x4d // 'M' — 2-byte unsigned int
	opLONG1            = 0x8a
	opNONE             = 0x4e // 'N'
	opBINFLOAT         = 0x47 // 'G'
	opEMPTY_TUPLE      = 0x29 // ')'
	opTUPLE1           = 0x85
	opTUPLE2           = 0x86
	opTUPLE3           = 0x87
	opNEWTRUE          = 0x88
	opNEWFALSE         = 0x89
	opSHORT_BINBYTES   = 0x43 // 'C'
	opBINBYTES         = 0x42 // 'B' — 4-byte length
	opBINBYTES8        = 0x8e // 8-byte length, protocol 4
	opSHORT_BINUNICODE = 0x8c // 1-byte length, protocol 4
	opBINUNICODE       = 0x58 // 'X' — 4-byte length
	opBINUNICODE8      = 0x8d // 8-byte length, protocol 4
	opDICT             = 0x64 // 'd'
	opPROTO            = 0x80
	opFRAME            = 0x95
	opMEMOIZE          = 0x94
	opSTACK_GLOBAL     = 0x93
	opREDUCE           = 0x52 // 'R'
)

// protoVersion is the interchange format's protocol version this store
// writes and expects; it is distinct from Header's format version field.
const protoVersion = 4

// headerFormatVersion is the value stored in the header's version BININT,
// identifying this container layout (not the pickle protocol version).
const headerFormatVersion = 1
