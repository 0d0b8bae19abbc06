package modbus

// Modbus function codes.

const (
	// Bit access
	FcReadCoils          FunctionCode = 0x01 // Read 1-2000 coils
	FcReadDiscreteInputs FunctionCode = 0x02 // Read 1-2000 discrete inputs

	// 16-bit register access
	FcReadHoldingRegisters FunctionCode = 0x03 // Read 1-125 holding registers
	FcReadInputRegisters   FunctionCode = 0x04 // Read 1-125 input registers

	// Single write
	FcWriteSingleCoil     FunctionCode = 0x05 // Write a single coil (ON/OFF)
	FcWriteSingleRegister FunctionCode = 0x06 // Write a single holding register

	// Multiple write
	FcWriteMultipleCoils     FunctionCode = 0x0F // Write 1-1968 coils
	FcWriteMultipleRegisters FunctionCode = 0x10 // Write 1-123 holding registers
)

// exceptionBit marks an exception response function code.
const exceptionBit FunctionCode = 0x80

// String returns a human-readable name for the function code.
func (fc FunctionCode) String() string {
	switch fc {
	case FcReadCoils:
		return "Read_Coils"
	case FcReadDiscreteInputs:
		return "Read_Discrete_Inputs"
	case FcReadHoldingRegisters:
		return "Read_Holding_Registers"
	case FcReadInputRegisters:
		return "Read_Input_Registers"
	case FcWriteSingleCoil:
		return "Write_Single_Coil"
	case FcWriteSingleRegister:
		return "Write_Single_Register"
	case FcWriteMultipleCoils:
		return "Write_Multiple_Coils"
	case FcWriteMultipleRegisters:
		return "Write_Multiple_Registers"
	default:
		if fc.IsException() {
			return fc.Base().String() + "_Exception"
		}
		return "Unknown"
	}
}

// IsException reports whether the exception bit is set.
func (fc FunctionCode) IsException() bool {
	return fc&exceptionBit != 0
}

// Base strips the exception bit.
func (fc FunctionCode) Base() FunctionCode {
	return fc &^ exceptionBit
}

// IsRead returns true for read function codes (1-4).
func (fc FunctionCode) IsRead() bool {
	switch fc.Base() {
	case FcReadCoils, FcReadDiscreteInputs, FcReadHoldingRegisters, FcReadInputRegisters:
		return true
	default:
		return false
	}
}

// IsWrite returns true for write function codes (5, 6, 15, 16).
func (fc FunctionCode) IsWrite() bool {
	switch fc.Base() {
	case FcWriteSingleCoil, FcWriteSingleRegister,
		FcWriteMultipleCoils, FcWriteMultipleRegisters:
		return true
	default:
		return false
	}
}

// IsRegister reports whether the function addresses 16-bit registers
// rather than single bits.
func (fc FunctionCode) IsRegister() bool {
	switch fc.Base() {
	case FcReadHoldingRegisters, FcReadInputRegisters,
		FcWriteSingleRegister, FcWriteMultipleRegisters:
		return true
	default:
		return false
	}
}

// IsKnownFunction returns true for the function codes this codec decodes.
func IsKnownFunction(fc FunctionCode) bool {
	return fc.IsRead() || fc.IsWrite()
}

// maxReadQuantity returns the protocol limit on the quantity field of a
// read or multiple-write request.
func maxReadQuantity(fc FunctionCode) uint16 {
	switch fc.Base() {
	case FcReadCoils, FcReadDiscreteInputs:
		return MaxReadBits
	case FcWriteMultipleCoils:
		return MaxWriteBits
	case FcWriteMultipleRegisters:
		return MaxWriteRegisters
	default:
		return MaxReadRegisters
	}
}
