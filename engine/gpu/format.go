package gpu

import "strings"

type Format uint8

const (
	FormatUndefined Format = iota
	FormatRGBA8Unorm
	FormatRGBA8Srgb
	FormatBGRA8Unorm
	FormatRGBA16Float
	FormatRGBA32Float
	FormatRG16Float
	FormatR32Float
	FormatR32Uint
	FormatR11G11B10Float
	FormatD32Float
	FormatD24UnormS8Uint
)

type formatInfo struct {
	name    string
	vkName  string
	bpp     uint32
	depth   bool
	stencil bool
}

var formatTable = [...]formatInfo{
	FormatUndefined:      {"UNDEFINED", "VK_FORMAT_UNDEFINED", 0, false, false},
	FormatRGBA8Unorm:     {"RGBA8", "VK_FORMAT_R8G8B8A8_UNORM", 4, false, false},
	FormatRGBA8Srgb:      {"RGBA8_SRGB", "VK_FORMAT_R8G8B8A8_SRGB", 4, false, false},
	FormatBGRA8Unorm:     {"BGRA8", "VK_FORMAT_B8G8R8A8_UNORM", 4, false, false},
	FormatRGBA16Float:    {"RGBA16F", "VK_FORMAT_R16G16B16A16_SFLOAT", 8, false, false},
	FormatRGBA32Float:    {"RGBA32F", "VK_FORMAT_R32G32B32A32_SFLOAT", 16, false, false},
	FormatRG16Float:      {"RG16F", "VK_FORMAT_R16G16_SFLOAT", 4, false, false},
	FormatR32Float:       {"R32F", "VK_FORMAT_R32_SFLOAT", 4, false, false},
	FormatR32Uint:        {"R32U", "VK_FORMAT_R32_UINT", 4, false, false},
	FormatR11G11B10Float: {"R11G11B10F", "VK_FORMAT_B10G11R11_UFLOAT_PACK32", 4, false, false},
	FormatD32Float:       {"D32F", "VK_FORMAT_D32_SFLOAT", 4, true, false},
	FormatD24UnormS8Uint: {"D24S8", "VK_FORMAT_D24_UNORM_S8_UINT", 4, true, true},
}

var formatsByName = func() map[string]Format {
	m := make(map[string]Format, len(formatTable)*2)
	for f, info := range formatTable {
		if Format(f) == FormatUndefined {
			continue
		}
		m[info.name] = Format(f)
		m[info.vkName] = Format(f)
	}
	return m
}()

// ParseFormat accepts the short names (RGBA8, D32F, ...) and their
// VK_FORMAT_* spellings, case-insensitively.
func ParseFormat(name string) (Format, bool) {
	f, ok := formatsByName[strings.ToUpper(strings.TrimSpace(name))]
	return f, ok
}

// FormatNames lists the accepted short names in table order.
func FormatNames() []string {
	names := make([]string, 0, len(formatTable)-1)
	for f, info := range formatTable {
		if Format(f) != FormatUndefined {
			names = append(names, info.name)
		}
	}
	return names
}

func (f Format) String() string {
	if int(f) < len(formatTable) {
		return formatTable[f].name
	}
	return "UNKNOWN"
}

func (f Format) BytesPerPixel() uint32 {
	if int(f) < len(formatTable) {
		return formatTable[f].bpp
	}
	return 0
}

func (f Format) IsDepth() bool {
	return int(f) < len(formatTable) && formatTable[f].depth
}

func (f Format) HasStencil() bool {
	return int(f) < len(formatTable) && formatTable[f].stencil
}
