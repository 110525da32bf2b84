package blockwise

import "github.com/mnazarim/CoAP/message"

// Paginate returns the block of body requested by want (the client's
// submitted or default Block2 option), honouring the client's
// requested SZX but never enlarging it, per RFC 7959 section 2.3
// (spec.md section 4.5, "Block2 pagination never exceeds the
// requester's negotiated size").
func Paginate(body []byte, want message.BlockOption) (payload []byte, sent message.BlockOption) {
	szx := want.SZX
	size := szx.Size()
	start := int(want.Num) * size
	if start > len(body) {
		start = len(body)
	}
	end := start + size
	more := end < len(body)
	if end > len(body) {
		end = len(body)
	}
	return body[start:end], message.BlockOption{Num: want.Num, More: more, SZX: szx}
}

// FirstBlock returns the initial Block2 option and payload for a
// response body, capped at maxSZX (the server's own preferred block
// size, used when the client sent no Block2 option at all).
func FirstBlock(body []byte, maxSZX message.SZX) (payload []byte, sent message.BlockOption) {
	return Paginate(body, message.BlockOption{Num: 0, SZX: maxSZX})
}
