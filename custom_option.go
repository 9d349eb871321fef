package hwcodec

type CustomOption = any
type CustomOptions []CustomOption

func GetCustomOption[T any](in CustomOptions) (T, bool) {
	for _, item := range in {
		v, ok := item.(T)
		if ok {
			return v, ok
		}
	}

	var zeroValue T
	return zeroValue, false
}

// DriverOption is a free-form key/value passed to the vendor layer
// as is (e.g. "tune"="ull" for NVENC).
type DriverOption struct {
	Key   string
	Value string
}

func GetDriverOptions(in CustomOptions) []DriverOption {
	var result []DriverOption
	for _, item := range in {
		if opt, ok := item.(DriverOption); ok {
			result = append(result, opt)
		}
	}
	return result
}
