package calibrate

// languageEngines accept a language hint.
var languageEngines = map[string]bool{
	"canary":         true,
	"voxtral":        true,
	"whisper":        true,
	"whisper-native": true,
	"openai":         true,
	"deepgram":       true,
}

// EngineOptions returns the transcription options used when calibrating
// against engine for language.
//
// Multilingual engines receive the language. whispers2t additionally has its
// built-in VAD disabled so that only the segmentation under test decides what
// is transcribed. Monolingual engines (parakeet, parakeet_ja) and unknown
// engines receive no options.
func EngineOptions(engine, language string) map[string]any {
	switch {
	case engine == "whispers2t":
		return map[string]any{"language": language, "use_vad": false}
	case languageEngines[engine]:
		return map[string]any{"language": language}
	default:
		return map[string]any{}
	}
}
