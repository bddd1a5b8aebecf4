package file_analysis

type FileAnalysis interface {
	AnalyzeAll() error

	// currently:
	// entry point - 50
	// prologue - 75
	// flirt - 100 (must be after function discovery)
	Priority() uint

	Close() error
}
