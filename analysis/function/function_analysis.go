package function_analysis

import (
	AS "github.com/williballenthin/vivutils/address_space"
)

type FunctionAnalysis interface {
	AnalyzeFunction(fva AS.VA) error

	// currently:
	//   name - 25
	//   direct call - 50
	//   stack delta - 60
	//   indirect flow - 75
	Priority() uint
}
