package routing

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/iobridge/datagate/internal/envelope"
)

// runExpression evaluates a compiled expr program against an environment
// built from the envelope. Expressions see the well-known envelope fields at
// the top level plus the full parsed data under `parsed_data`.
func runExpression(program *vm.Program, env *envelope.Envelope) (bool, error) {
	exprEnv := map[string]any{
		"message_id":      env.MessageID,
		"source_protocol": string(env.SourceProtocol),
		"data_source_id":  env.DataSourceID,
		"source_address":  env.SourceAddress,
		"source_port":     env.SourcePort,
		"adapter_name":    env.AdapterName,
		"topic":           env.Topic,
		"parse_error":     env.ParseError,
		"parsed_data":     env.ParsedData,
		"headers":         env.Headers,
	}
	out, err := expr.Run(program, exprEnv)
	if err != nil {
		return false, err
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return bool")
	}
	return result, nil
}
