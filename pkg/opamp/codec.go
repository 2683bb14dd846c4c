package opamp

import (
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers for AgentToServer.
const (
	a2sInstanceUID         = 1
	a2sSequenceNum         = 2
	a2sAgentDescription    = 3
	a2sCapabilities        = 4
	a2sHealth              = 5
	a2sEffectiveConfig     = 6
	a2sRemoteConfigStatus  = 7
	a2sPackageStatuses     = 8
	a2sFlags               = 10
	a2sAvailableComponents = 14
)

// Field numbers for ServerToAgent.
const (
	s2aInstanceUID   = 1
	s2aErrorResponse = 2
	s2aRemoteConfig  = 3
	s2aFlags         = 6
	s2aCapabilities  = 7
	s2aCommand       = 9
)

// EncodeAgentToServer serializes a message. Encoding is deterministic:
// fields are written in ascending field-number order and config map
// entries are sorted by filename, so the same record value always
// produces identical bytes.
func EncodeAgentToServer(m *AgentToServer) []byte {
	var b []byte
	b = appendBytesField(b, a2sInstanceUID, m.InstanceUID[:])
	if m.SequenceNum != 0 {
		b = appendVarintField(b, a2sSequenceNum, m.SequenceNum)
	}
	if m.AgentDescription != nil {
		b = appendMessageField(b, a2sAgentDescription, encodeAgentDescription(m.AgentDescription))
	}
	if m.Capabilities != 0 {
		b = appendVarintField(b, a2sCapabilities, m.Capabilities)
	}
	if m.Health != nil {
		b = appendMessageField(b, a2sHealth, encodeHealth(m.Health))
	}
	if m.EffectiveConfig != nil {
		b = appendMessageField(b, a2sEffectiveConfig, encodeEffectiveConfig(m.EffectiveConfig))
	}
	if m.RemoteConfigStatus != nil {
		b = appendMessageField(b, a2sRemoteConfigStatus, encodeRemoteConfigStatus(m.RemoteConfigStatus))
	}
	if m.PackageStatuses != nil {
		b = appendMessageField(b, a2sPackageStatuses, encodePackageStatuses(m.PackageStatuses))
	}
	if m.Flags != 0 {
		b = appendVarintField(b, a2sFlags, m.Flags)
	}
	if m.AvailableComponents != nil {
		b = appendMessageField(b, a2sAvailableComponents, encodeAvailableComponents(m.AvailableComponents))
	}
	return b
}

// DecodeAgentToServer parses a message. Unknown fields are skipped for
// forward-compatibility; any framing or required-field violation
// returns a *WireFormatError and no partial record.
func DecodeAgentToServer(data []byte) (*AgentToServer, error) {
	m := &AgentToServer{}
	sawUID := false
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte, v uint64) error {
		switch num {
		case a2sInstanceUID:
			if typ != protowire.BytesType {
				return wireErrorf("instance_uid: unexpected wire type %d", typ)
			}
			uid, err := InstanceUIDFromBytes(payload)
			if err != nil {
				return err
			}
			m.InstanceUID = uid
			sawUID = true
		case a2sSequenceNum:
			if typ != protowire.VarintType {
				return wireErrorf("sequence_num: unexpected wire type %d", typ)
			}
			m.SequenceNum = v
		case a2sAgentDescription:
			if typ != protowire.BytesType {
				return wireErrorf("agent_description: unexpected wire type %d", typ)
			}
			desc, err := decodeAgentDescription(payload)
			if err != nil {
				return err
			}
			m.AgentDescription = desc
		case a2sCapabilities:
			if typ != protowire.VarintType {
				return wireErrorf("capabilities: unexpected wire type %d", typ)
			}
			m.Capabilities = v
		case a2sHealth:
			if typ != protowire.BytesType {
				return wireErrorf("health: unexpected wire type %d", typ)
			}
			h, err := decodeHealth(payload)
			if err != nil {
				return err
			}
			m.Health = h
		case a2sEffectiveConfig:
			if typ != protowire.BytesType {
				return wireErrorf("effective_config: unexpected wire type %d", typ)
			}
			ec, err := decodeEffectiveConfig(payload)
			if err != nil {
				return err
			}
			m.EffectiveConfig = ec
		case a2sRemoteConfigStatus:
			if typ != protowire.BytesType {
				return wireErrorf("remote_config_status: unexpected wire type %d", typ)
			}
			st, err := decodeRemoteConfigStatus(payload)
			if err != nil {
				return err
			}
			m.RemoteConfigStatus = st
		case a2sPackageStatuses:
			if typ != protowire.BytesType {
				return wireErrorf("package_statuses: unexpected wire type %d", typ)
			}
			ps, err := decodePackageStatuses(payload)
			if err != nil {
				return err
			}
			m.PackageStatuses = ps
		case a2sFlags:
			if typ != protowire.VarintType {
				return wireErrorf("flags: unexpected wire type %d", typ)
			}
			m.Flags = v
		case a2sAvailableComponents:
			if typ != protowire.BytesType {
				return wireErrorf("available_components: unexpected wire type %d", typ)
			}
			ac, err := decodeAvailableComponents(payload)
			if err != nil {
				return err
			}
			m.AvailableComponents = ac
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !sawUID {
		return nil, wireErrorf("agent_to_server: missing instance_uid")
	}
	return m, nil
}

// EncodeServerToAgent serializes a message deterministically.
func EncodeServerToAgent(m *ServerToAgent) []byte {
	var b []byte
	b = appendBytesField(b, s2aInstanceUID, m.InstanceUID[:])
	if m.ErrorResponse != nil {
		b = appendMessageField(b, s2aErrorResponse, encodeErrorResponse(m.ErrorResponse))
	}
	if m.RemoteConfig != nil {
		b = appendMessageField(b, s2aRemoteConfig, encodeRemoteConfig(m.RemoteConfig))
	}
	if m.Flags != 0 {
		b = appendVarintField(b, s2aFlags, m.Flags)
	}
	if m.Capabilities != 0 {
		b = appendVarintField(b, s2aCapabilities, m.Capabilities)
	}
	if m.Command != nil {
		b = appendMessageField(b, s2aCommand, appendVarintField(nil, 1, uint64(m.Command.Type)))
	}
	return b
}

// DecodeServerToAgent parses a message with the same contract as
// DecodeAgentToServer.
func DecodeServerToAgent(data []byte) (*ServerToAgent, error) {
	m := &ServerToAgent{}
	sawUID := false
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte, v uint64) error {
		switch num {
		case s2aInstanceUID:
			if typ != protowire.BytesType {
				return wireErrorf("instance_uid: unexpected wire type %d", typ)
			}
			uid, err := InstanceUIDFromBytes(payload)
			if err != nil {
				return err
			}
			m.InstanceUID = uid
			sawUID = true
		case s2aErrorResponse:
			if typ != protowire.BytesType {
				return wireErrorf("error_response: unexpected wire type %d", typ)
			}
			er, err := decodeErrorResponse(payload)
			if err != nil {
				return err
			}
			m.ErrorResponse = er
		case s2aRemoteConfig:
			if typ != protowire.BytesType {
				return wireErrorf("remote_config: unexpected wire type %d", typ)
			}
			rc, err := decodeRemoteConfig(payload)
			if err != nil {
				return err
			}
			m.RemoteConfig = rc
		case s2aFlags:
			if typ != protowire.VarintType {
				return wireErrorf("flags: unexpected wire type %d", typ)
			}
			m.Flags = v
		case s2aCapabilities:
			if typ != protowire.VarintType {
				return wireErrorf("capabilities: unexpected wire type %d", typ)
			}
			m.Capabilities = v
		case s2aCommand:
			if typ != protowire.BytesType {
				return wireErrorf("command: unexpected wire type %d", typ)
			}
			cmd := &Command{}
			err := walkFields(payload, func(n protowire.Number, t protowire.Type, _ []byte, cv uint64) error {
				if n == 1 && t == protowire.VarintType {
					cmd.Type = CommandType(cv)
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.Command = cmd
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !sawUID {
		return nil, wireErrorf("server_to_agent: missing instance_uid")
	}
	return m, nil
}

// --- sub-message encoders ---

func encodeAgentDescription(d *AgentDescription) []byte {
	var b []byte
	b = appendAttrList(b, 1, d.IdentifyingAttributes)
	b = appendAttrList(b, 2, d.NonIdentifyingAttributes)
	return b
}

func encodeHealth(h *ComponentHealth) []byte {
	var b []byte
	if h.Healthy {
		b = appendVarintField(b, 1, 1)
	}
	if h.StartTimeUnixNano != 0 {
		b = appendVarintField(b, 2, h.StartTimeUnixNano)
	}
	if h.LastError != "" {
		b = appendStringField(b, 3, h.LastError)
	}
	return b
}

func encodeConfigMap(cm map[string][]byte) []byte {
	names := make([]string, 0, len(cm))
	for name := range cm {
		names = append(names, name)
	}
	sort.Strings(names)
	var b []byte
	for _, name := range names {
		var entry []byte
		entry = appendStringField(entry, 1, name)
		entry = appendBytesField(entry, 2, cm[name])
		b = appendMessageField(b, 1, entry)
	}
	return b
}

func encodeEffectiveConfig(ec *EffectiveConfig) []byte {
	var b []byte
	if len(ec.ConfigMap) > 0 {
		b = appendMessageField(b, 1, encodeConfigMap(ec.ConfigMap))
	}
	if len(ec.Hash) > 0 {
		b = appendBytesField(b, 2, ec.Hash)
	}
	return b
}

func encodeRemoteConfig(rc *RemoteConfig) []byte {
	var b []byte
	if len(rc.ConfigMap) > 0 {
		b = appendMessageField(b, 1, encodeConfigMap(rc.ConfigMap))
	}
	if len(rc.ConfigHash) > 0 {
		b = appendBytesField(b, 2, rc.ConfigHash)
	}
	return b
}

func encodeRemoteConfigStatus(st *RemoteConfigStatusReport) []byte {
	var b []byte
	if len(st.LastRemoteConfigHash) > 0 {
		b = appendBytesField(b, 1, st.LastRemoteConfigHash)
	}
	if st.Status != RemoteConfigStatusUnset {
		b = appendVarintField(b, 2, uint64(st.Status))
	}
	if st.ErrorMessage != "" {
		b = appendStringField(b, 3, st.ErrorMessage)
	}
	return b
}

func encodePackageStatuses(ps *PackageStatuses) []byte {
	var b []byte
	if len(ps.ServerProvidedAllPackagesHash) > 0 {
		b = appendBytesField(b, 1, ps.ServerProvidedAllPackagesHash)
	}
	if ps.ErrorMessage != "" {
		b = appendStringField(b, 2, ps.ErrorMessage)
	}
	return b
}

func encodeAvailableComponents(ac *AvailableComponents) []byte {
	var b []byte
	keys := make([]string, 0, len(ac.Components))
	for k := range ac.Components {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendStringField(entry, 1, k)
		entry = appendStringField(entry, 2, ac.Components[k])
		b = appendMessageField(b, 1, entry)
	}
	if len(ac.Hash) > 0 {
		b = appendBytesField(b, 2, ac.Hash)
	}
	return b
}

func encodeErrorResponse(er *ErrorResponse) []byte {
	var b []byte
	if er.Type != ErrorTypeUnknown {
		b = appendVarintField(b, 1, uint64(er.Type))
	}
	if er.ErrorMessage != "" {
		b = appendStringField(b, 2, er.ErrorMessage)
	}
	if er.RetryAfterNanos != 0 {
		b = appendMessageField(b, 3, appendVarintField(nil, 1, er.RetryAfterNanos))
	}
	return b
}

// --- sub-message decoders ---

func decodeAgentDescription(data []byte) (*AgentDescription, error) {
	d := &AgentDescription{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte, _ uint64) error {
		switch num {
		case 1, 2:
			if typ != protowire.BytesType {
				return wireErrorf("agent_description attribute: unexpected wire type %d", typ)
			}
			k, v, err := decodeAttr(payload)
			if err != nil {
				return err
			}
			if num == 1 {
				if d.IdentifyingAttributes == nil {
					d.IdentifyingAttributes = make(map[string]string)
				}
				d.IdentifyingAttributes[k] = v
			} else {
				if d.NonIdentifyingAttributes == nil {
					d.NonIdentifyingAttributes = make(map[string]string)
				}
				d.NonIdentifyingAttributes[k] = v
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func decodeAttr(data []byte) (key, value string, err error) {
	err = walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte, _ uint64) error {
		switch num {
		case 1:
			if typ != protowire.BytesType {
				return wireErrorf("attribute key: unexpected wire type %d", typ)
			}
			key = string(payload)
		case 2:
			if typ != protowire.BytesType {
				return wireErrorf("attribute value: unexpected wire type %d", typ)
			}
			value = string(payload)
		}
		return nil
	})
	if err == nil && key == "" {
		err = wireErrorf("attribute: missing key")
	}
	return key, value, err
}

func decodeHealth(data []byte) (*ComponentHealth, error) {
	h := &ComponentHealth{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte, v uint64) error {
		switch num {
		case 1:
			if typ != protowire.VarintType {
				return wireErrorf("health.healthy: unexpected wire type %d", typ)
			}
			h.Healthy = v != 0
		case 2:
			if typ != protowire.VarintType {
				return wireErrorf("health.start_time_unix_nano: unexpected wire type %d", typ)
			}
			h.StartTimeUnixNano = v
		case 3:
			if typ != protowire.BytesType {
				return wireErrorf("health.last_error: unexpected wire type %d", typ)
			}
			h.LastError = string(payload)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func decodeConfigMap(data []byte) (map[string][]byte, error) {
	cm := make(map[string][]byte)
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte, _ uint64) error {
		if num != 1 {
			return nil
		}
		if typ != protowire.BytesType {
			return wireErrorf("config_map entry: unexpected wire type %d", typ)
		}
		var name string
		var body []byte
		err := walkFields(payload, func(n protowire.Number, t protowire.Type, p []byte, _ uint64) error {
			switch n {
			case 1:
				if t != protowire.BytesType {
					return wireErrorf("config_map entry name: unexpected wire type %d", t)
				}
				name = string(p)
			case 2:
				if t != protowire.BytesType {
					return wireErrorf("config_map entry body: unexpected wire type %d", t)
				}
				body = append([]byte(nil), p...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if name == "" {
			return wireErrorf("config_map entry: missing filename")
		}
		cm[name] = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cm, nil
}

func decodeEffectiveConfig(data []byte) (*EffectiveConfig, error) {
	ec := &EffectiveConfig{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte, _ uint64) error {
		switch num {
		case 1:
			if typ != protowire.BytesType {
				return wireErrorf("effective_config.config_map: unexpected wire type %d", typ)
			}
			cm, err := decodeConfigMap(payload)
			if err != nil {
				return err
			}
			ec.ConfigMap = cm
		case 2:
			if typ != protowire.BytesType {
				return wireErrorf("effective_config.hash: unexpected wire type %d", typ)
			}
			ec.Hash = append([]byte(nil), payload...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ec, nil
}

func decodeRemoteConfig(data []byte) (*RemoteConfig, error) {
	rc := &RemoteConfig{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte, _ uint64) error {
		switch num {
		case 1:
			if typ != protowire.BytesType {
				return wireErrorf("remote_config.config: unexpected wire type %d", typ)
			}
			cm, err := decodeConfigMap(payload)
			if err != nil {
				return err
			}
			rc.ConfigMap = cm
		case 2:
			if typ != protowire.BytesType {
				return wireErrorf("remote_config.config_hash: unexpected wire type %d", typ)
			}
			rc.ConfigHash = append([]byte(nil), payload...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func decodeRemoteConfigStatus(data []byte) (*RemoteConfigStatusReport, error) {
	st := &RemoteConfigStatusReport{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte, v uint64) error {
		switch num {
		case 1:
			if typ != protowire.BytesType {
				return wireErrorf("remote_config_status.last_remote_config_hash: unexpected wire type %d", typ)
			}
			st.LastRemoteConfigHash = append([]byte(nil), payload...)
		case 2:
			if typ != protowire.VarintType {
				return wireErrorf("remote_config_status.status: unexpected wire type %d", typ)
			}
			s := RemoteConfigStatus(v)
			if !s.IsValid() {
				return wireErrorf("remote_config_status.status: unknown value %d", v)
			}
			st.Status = s
		case 3:
			if typ != protowire.BytesType {
				return wireErrorf("remote_config_status.error_message: unexpected wire type %d", typ)
			}
			st.ErrorMessage = string(payload)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func decodePackageStatuses(data []byte) (*PackageStatuses, error) {
	ps := &PackageStatuses{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte, _ uint64) error {
		switch num {
		case 1:
			if typ != protowire.BytesType {
				return wireErrorf("package_statuses.hash: unexpected wire type %d", typ)
			}
			ps.ServerProvidedAllPackagesHash = append([]byte(nil), payload...)
		case 2:
			if typ != protowire.BytesType {
				return wireErrorf("package_statuses.error_message: unexpected wire type %d", typ)
			}
			ps.ErrorMessage = string(payload)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ps, nil
}

func decodeAvailableComponents(data []byte) (*AvailableComponents, error) {
	ac := &AvailableComponents{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte, _ uint64) error {
		switch num {
		case 1:
			if typ != protowire.BytesType {
				return wireErrorf("available_components entry: unexpected wire type %d", typ)
			}
			k, v, err := decodeAttr(payload)
			if err != nil {
				return err
			}
			if ac.Components == nil {
				ac.Components = make(map[string]string)
			}
			ac.Components[k] = v
		case 2:
			if typ != protowire.BytesType {
				return wireErrorf("available_components.hash: unexpected wire type %d", typ)
			}
			ac.Hash = append([]byte(nil), payload...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ac, nil
}

func decodeErrorResponse(data []byte) (*ErrorResponse, error) {
	er := &ErrorResponse{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, payload []byte, v uint64) error {
		switch num {
		case 1:
			if typ != protowire.VarintType {
				return wireErrorf("error_response.type: unexpected wire type %d", typ)
			}
			t := ErrorResponseType(v)
			if !t.IsValid() {
				return wireErrorf("error_response.type: unknown value %d", v)
			}
			er.Type = t
		case 2:
			if typ != protowire.BytesType {
				return wireErrorf("error_response.error_message: unexpected wire type %d", typ)
			}
			er.ErrorMessage = string(payload)
		case 3:
			if typ != protowire.BytesType {
				return wireErrorf("error_response.retry_info: unexpected wire type %d", typ)
			}
			return walkFields(payload, func(n protowire.Number, t protowire.Type, _ []byte, rv uint64) error {
				if n == 1 && t == protowire.VarintType {
					er.RetryAfterNanos = rv
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return er, nil
}

// --- protowire helpers ---

// walkFields iterates top-level fields of a wire-encoded message.
// For bytes fields the payload slice is passed; for varint fields the
// decoded value. Unknown wire types within known limits are skipped.
func walkFields(data []byte, visit func(num protowire.Number, typ protowire.Type, payload []byte, varint uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return wireErrorf("invalid field tag")
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return wireErrorf("field %d: truncated varint", num)
			}
			if err := visit(num, typ, nil, v); err != nil {
				return err
			}
			data = data[n:]
		case protowire.BytesType:
			payload, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return wireErrorf("field %d: truncated length-delimited value", num)
			}
			if err := visit(num, typ, payload, 0); err != nil {
				return err
			}
			data = data[n:]
		case protowire.Fixed32Type:
			_, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return wireErrorf("field %d: truncated fixed32", num)
			}
			data = data[n:]
		case protowire.Fixed64Type:
			_, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return wireErrorf("field %d: truncated fixed64", num)
			}
			data = data[n:]
		default:
			return wireErrorf("field %d: unsupported wire type %d", num, typ)
		}
	}
	return nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	return appendBytesField(b, num, msg)
}

func appendAttrList(b []byte, num protowire.Number, attrs map[string]string) []byte {
	if len(attrs) == 0 {
		return b
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendStringField(entry, 1, k)
		if v := attrs[k]; v != "" {
			entry = appendStringField(entry, 2, v)
		}
		b = appendMessageField(b, num, entry)
	}
	return b
}
