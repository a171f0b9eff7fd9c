package adapter

import "github.com/iobridge/datagate/internal/frameparser"

// testFrameSchema decodes an 8-byte sensor frame used across adapter tests.
var testFrameSchema = frameparser.Schema{
	Name:        "sensor-v1",
	FrameType:   frameparser.FrameFixed,
	TotalLength: 8,
	Fields: []frameparser.FieldDef{
		{Name: "header", Offset: 0, Length: 2, DataType: frameparser.TypeUint16},
		{Name: "temperature", Offset: 2, Length: 2, DataType: frameparser.TypeInt16, Scale: 0.1},
		{Name: "humidity", Offset: 4, Length: 2, DataType: frameparser.TypeUint16, Scale: 0.1},
	},
}
