package testcluster

import (
	"net"
	"strconv"

	"github.com/datastax/go-cassandra-native-protocol/datatype"
	"github.com/datastax/go-cassandra-native-protocol/message"
	"github.com/gocql/gocql"
)

type sysColumn struct {
	name string
	typ  datatype.DataType
}

func sysMetadata(table string, cols []sysColumn) *message.RowsMetadata {
	md := &message.RowsMetadata{ColumnCount: int32(len(cols))}
	for i, c := range cols {
		md.Columns = append(md.Columns, &message.ColumnMetadata{
			Keyspace: "system",
			Table:    table,
			Name:     c.name,
			Index:    int32(i),
			Type:     c.typ,
		})
	}
	return md
}

var (
	localColumns = []sysColumn{
		{"key", datatype.Varchar},
		{"cluster_name", datatype.Varchar},
		{"data_center", datatype.Varchar},
		{"rack", datatype.Varchar},
		{"host_id", datatype.Uuid},
		{"release_version", datatype.Varchar},
		{"rpc_address", datatype.Inet},
	}
	peersV2Columns = []sysColumn{
		{"peer", datatype.Inet},
		{"peer_port", datatype.Int},
		{"data_center", datatype.Varchar},
		{"rack", datatype.Varchar},
		{"host_id", datatype.Uuid},
		{"native_address", datatype.Inet},
		{"native_port", datatype.Int},
		{"release_version", datatype.Varchar},
	}
	peersColumns = []sysColumn{
		{"peer", datatype.Inet},
		{"data_center", datatype.Varchar},
		{"rack", datatype.Varchar},
		{"host_id", datatype.Uuid},
		{"rpc_address", datatype.Inet},
		{"release_version", datatype.Varchar},
	}
)

func (n *Node) hostPort() (net.IP, int) {
	host, portStr, _ := net.SplitHostPort(n.Addr())
	port, _ := strconv.Atoi(portStr)
	return net.ParseIP(host), port
}

func uuidBytes(n *Node) []byte {
	return marshal(gocql.TypeUUID, gocql.UUID(n.hostID))
}

// systemRows answers the topology queries a driver issues on its control connection
func (n *Node) systemRows(table string) message.Message {
	c := n.cluster
	switch table {
	case "local":
		ip, _ := n.hostPort()
		return &message.RowsResult{
			Metadata: sysMetadata("local", localColumns),
			Data: message.RowSet{{
				[]byte("local"),
				[]byte(c.opts.ClusterName),
				[]byte(n.dc),
				[]byte(n.rack),
				uuidBytes(n),
				[]byte(releaseVersion),
				marshal(gocql.TypeInet, ip),
			}},
		}
	case "peers_v2":
		if c.opts.DisablePeersV2 {
			return &message.Invalid{ErrorMessage: "unconfigured table peers_v2"}
		}
		res := &message.RowsResult{Metadata: sysMetadata("peers_v2", peersV2Columns)}
		for _, peer := range c.peersOf(n) {
			ip, port := peer.hostPort()
			res.Data = append(res.Data, message.Row{
				marshal(gocql.TypeInet, ip),
				marshal(gocql.TypeInt, 7000),
				[]byte(peer.dc),
				[]byte(peer.rack),
				uuidBytes(peer),
				marshal(gocql.TypeInet, ip),
				marshal(gocql.TypeInt, port),
				[]byte(releaseVersion),
			})
		}
		return res
	case "peers":
		res := &message.RowsResult{Metadata: sysMetadata("peers", peersColumns)}
		for _, peer := range c.peersOf(n) {
			ip, _ := peer.hostPort()
			res.Data = append(res.Data, message.Row{
				marshal(gocql.TypeInet, ip),
				[]byte(peer.dc),
				[]byte(peer.rack),
				uuidBytes(peer),
				marshal(gocql.TypeInet, ip),
				[]byte(releaseVersion),
			})
		}
		return res
	default:
		return &message.Invalid{ErrorMessage: "unconfigured table " + table}
	}
}

// peersOf lists every member other than n, including stopped ones, as gossip would
func (c *Cluster) peersOf(n *Node) []*Node {
	var out []*Node
	for _, other := range c.nodes {
		if other != n && !other.removed.Load() {
			out = append(out, other)
		}
	}
	return out
}

// Decommission stops node i, removes it from the peers tables and announces the removal
func (c *Cluster) Decommission(i int) {
	n := c.nodes[i]
	n.removed.Store(true)
	n.Stop()
	for _, other := range c.nodes {
		if other != n {
			other.PushTopology(n, false)
		}
	}
}
