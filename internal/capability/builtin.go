package capability

// RegisterBuiltins registers the builtin capability catalogue in the given
// registry.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig, fsCfg FSConfig) error {
	all := make([]Capability, 0, 8)

	all = append(all, FSCapabilities(fsCfg)...)
	all = append(all, NewHTTPRequestCap(httpCfg))
	all = append(all, TransformCapabilities()...)

	for _, c := range all {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
