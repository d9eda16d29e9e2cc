package upstream

import (
	"bytes"
	"context"
	"encoding/binary"
	"strconv"
	"strings"
)

// contentModePath mirrors NSFWService._build_headers' NSFW_API target, the
// gRPC-Web endpoint that flips the "always_show_nsfw_content" feature flag.
const contentModePath = "/auth_mgmt.AuthManagement/UpdateUserFeatureControls"

// encodeGRPCWebFrame wraps one gRPC-Web protobuf message in its 5-byte
// frame header (1-byte flags + 4-byte big-endian length), grounded on
// protocols/grpc_web.py's encode_grpc_web_payload.
func encodeGRPCWebFrame(data []byte) []byte {
	out := make([]byte, 5+len(data))
	binary.BigEndian.PutUint32(out[1:5], uint32(len(data)))
	copy(out[5:], data)
	return out
}

// contentModePayload builds the fixed protobuf body captured from the
// upstream's own client (two fields: a bool flag and a nested message
// naming the feature), grounded on NSFWService._build_payload's hex
// breakdown in the retrieval pack.
func contentModePayload() []byte {
	name := []byte("always_show_nsfw_content")
	inner := append([]byte{0x0a, byte(len(name))}, name...)
	protobuf := append([]byte{0x0a, 0x02, 0x10, 0x01, 0x12, byte(len(inner))}, inner...)
	return encodeGRPCWebFrame(protobuf)
}

// grpcTrailerStatus scans a decoded gRPC-Web frame stream for the trailer
// frame (flag bit 0x80) and extracts grpc-status, matching
// parse_grpc_web_response/get_grpc_status's behavior. Returns -1 when no
// trailer frame was present, which original_source treats as success (an
// empty response body on HTTP 200 with no explicit grpc-status).
func grpcTrailerStatus(body []byte) int {
	i := 0
	n := len(body)
	for i < n {
		if n-i < 5 {
			break
		}
		flag := body[i]
		length := int(binary.BigEndian.Uint32(body[i+1 : i+5]))
		i += 5
		if n-i < length {
			break
		}
		payload := body[i : i+length]
		i += length
		if flag&0x80 == 0 {
			continue
		}
		for _, line := range strings.Split(strings.ReplaceAll(string(payload), "\r\n", "\n"), "\n") {
			k, v, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			if strings.TrimSpace(strings.ToLower(k)) == "grpc-status" {
				if code, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
					return code
				}
			}
		}
	}
	return -1
}

// EnableContentMode flips the upstream NSFW/"Unhinged" feature flag for one
// token over gRPC-Web, grounded on NSFWService.enable. A missing trailer
// frame (grpc-status absent, code -1) and an explicit code 0 both count as
// success, matching the original's `grpc_status.code == -1 or grpc_status.ok`.
func (c *Client) EnableContentMode(ctx context.Context, token string) error {
	resp, err := c.DoRaw(ctx, token, "POST", contentModePath, nil, contentModePayload(), "application/grpc-web+proto")
	if err != nil {
		return err
	}
	if gwErr := ClassifyHTTP(resp.Status, resp.Body); gwErr != nil {
		return gwErr
	}
	if code := grpcTrailerStatus(resp.Body); code != -1 && code != 0 {
		return &grpcStatusError{code: code}
	}
	return nil
}

type grpcStatusError struct{ code int }

func (e *grpcStatusError) Error() string {
	var b bytes.Buffer
	b.WriteString("content mode enable: grpc-status ")
	b.WriteString(strconv.Itoa(e.code))
	return b.String()
}
