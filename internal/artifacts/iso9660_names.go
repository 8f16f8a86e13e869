package artifacts

import "strings"

const (
	iso9660DirectoryIdentifierMaxLength = 31
	iso9660FileIdentifierMaxLength      = 30
)

// iso9660Characters is the D-string alphabet, lowercased the way
// github.com/kdomanski/iso9660 reports identifiers.
const iso9660Characters = "abcdefghijklmnopqrstuvwxyz0123456789_!\"%&'()*+,-./:;<=>?"

func mangleDirectoryName(input string) string {
	return mangleDString(input, iso9660DirectoryIdentifierMaxLength)
}

// mangleFileName maps a name onto its level-1 identifier, e.g.
// base.tar.xz becomes base_tar.xz;1.
func mangleFileName(input string) string {
	input = strings.ToLower(input)
	parts := strings.Split(input, ".")

	version := "1"
	filename := parts[0]
	extension := ""
	if len(parts) > 1 {
		filename = strings.Join(parts[:len(parts)-1], "_")
		extension = parts[len(parts)-1]
	}

	extension = mangleDString(extension, 8)

	maxFilenameLen := iso9660FileIdentifierMaxLength - (1 + len(version))
	if extension != "" {
		maxFilenameLen -= (1 + len(extension))
	}

	filename = mangleDString(filename, maxFilenameLen)

	if extension != "" {
		return filename + "." + extension + ";" + version
	}
	return filename + ";" + version
}

func mangleDString(input string, maxLen int) string {
	input = strings.ToLower(input)
	var b strings.Builder
	for i := 0; i < len(input) && b.Len() < maxLen; i++ {
		c := rune(input[i])
		if strings.ContainsRune(iso9660Characters, c) {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
