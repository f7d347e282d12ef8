package storage

import "fmt"

func OriginalKey(projectFolder, filename string) string {
	return fmt.Sprintf("projects/%s/originals/%s", projectFolder, filename)
}

func DerivativeKey(projectFolder, filename, variant string) string {
	return fmt.Sprintf("projects/%s/derivatives/%s/%s", projectFolder, variant, filename)
}

func ProjectPrefix(projectFolder string) string {
	return fmt.Sprintf("projects/%s/", projectFolder)
}
