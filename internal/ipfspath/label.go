package ipfspath

import (
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	mh "github.com/multiformats/go-multihash"
)

// maxLabelLength 是单个 DNS 标签的长度上限。
const maxLabelLength = 63

// SubdomainLabel 返回 id 在子域网关中的 DNS 安全形式：
// ipfs 的 CID 统一为 CIDv1 base32（超长时改用 base36），
// ipns 的密钥转换为 base36 libp2p-key，DNSLink 名称做内联编码。
func SubdomainLabel(ns Namespace, id string) (string, error) {
	switch ns {
	case IPFS:
		c, err := cid.Decode(id)
		if err != nil {
			return "", fmt.Errorf("invalid cid %q: %w", id, err)
		}
		if c.Version() == 0 {
			c = cid.NewCidV1(cid.DagProtobuf, c.Hash())
		}
		return encodeLabel(c, multibase.Base32)
	case IPNS:
		if c, err := cid.Decode(id); err == nil {
			return encodeLabel(cid.NewCidV1(cid.Libp2pKey, c.Hash()), multibase.Base36)
		}
		if hash, err := mh.FromB58String(id); err == nil {
			return encodeLabel(cid.NewCidV1(cid.Libp2pKey, hash), multibase.Base36)
		}
		return InlineDNSLink(id), nil
	default:
		return "", fmt.Errorf("unsupported namespace %q", ns)
	}
}

func encodeLabel(c cid.Cid, preferred multibase.Encoding) (string, error) {
	label, err := c.StringOfBase(preferred)
	if err != nil {
		return "", err
	}
	if len(label) > maxLabelLength && preferred != multibase.Base36 {
		label, err = c.StringOfBase(multibase.Base36)
		if err != nil {
			return "", err
		}
	}
	if len(label) > maxLabelLength {
		return "", fmt.Errorf("cid %s does not fit in a DNS label", label)
	}
	return label, nil
}

// InlineDNSLink 把 DNSLink 名称编码为单个 DNS 标签：先把 "-" 变为 "--"，再把 "." 变为 "-"。
func InlineDNSLink(name string) string {
	return strings.ReplaceAll(strings.ReplaceAll(name, "-", "--"), ".", "-")
}

// DecodeDNSLinkLabel 是 InlineDNSLink 的逆操作。
func DecodeDNSLinkLabel(label string) string {
	var b strings.Builder
	for i := 0; i < len(label); i++ {
		if label[i] != '-' {
			b.WriteByte(label[i])
			continue
		}
		if i+1 < len(label) && label[i+1] == '-' {
			b.WriteByte('-')
			i++
			continue
		}
		b.WriteByte('.')
	}
	return b.String()
}

// ContentID 返回可交给网关的 id；子域中的 ipns DNSLink 标签会被还原为域名。
func (r Root) ContentID() string {
	if !r.Isolated || r.Namespace != IPNS || strings.Contains(r.ID, ".") {
		return r.ID
	}
	if _, err := cid.Decode(r.ID); err == nil {
		return r.ID
	}
	if !strings.Contains(r.ID, "-") {
		return r.ID
	}
	return DecodeDNSLinkLabel(r.ID)
}
