package models

import (
	_ "github.com/fmsgo/fms/model/models/hfllama"
	_ "github.com/fmsgo/fms/model/models/llama"
)
