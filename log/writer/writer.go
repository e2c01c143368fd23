package writer

import (
	"io"

	"github.com/hatlonely/modeldb/ref"
)

func init() {
	ref.MustRegisterT[ConsoleWriter](NewConsoleWriterWithOptions)
	ref.MustRegisterT[FileWriter](NewFileWriterWithOptions)
	ref.MustRegisterT[MultiWriter](NewMultiWriterWithOptions)
}

// Writer 日志输出器接口
type Writer interface {
	io.Writer
	io.Closer
}

// NewWriterWithOptions 通过 ref 创建输出器
func NewWriterWithOptions(options *ref.TypeOptions) (Writer, error) {
	return ref.NewAs[Writer](options)
}
