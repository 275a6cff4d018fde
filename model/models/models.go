package models

import (
	_ "github.com/ollama/makeup/model/models/pixelmlp"
)
