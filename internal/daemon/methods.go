package daemon

import (
	"context"

	"superd/internal/host"
	"superd/internal/provision"
)

// handlers binds the RPC surface to the host, the vhost workflow and the
// shared state.
type handlers struct {
	host       *host.Host
	vhosts     *provision.Provisioner
	state      *State
	phpVersion string
}

func (h *handlers) methods() []Method {
	return []Method{
		{Name: "ping", Handle: noParams(h.ping)},

		{Name: "create_vhost", Params: []Field{
			required("domain", String),
			required("user", String),
			required("root", String),
			required("php_version", String),
			optional("has_ssl", Bool),
			optional("ssl_certificate_path", String),
			optional("ssl_key_path", String),
		}, Handle: typed(h.createVHost)},
		{Name: "delete_vhost", Params: []Field{
			required("domain", String),
			required("user", String),
			optional("php_version", String),
		}, Handle: typed(h.deleteVHost)},
		{Name: "list_vhosts", Handle: noParams(h.listVHosts)},
		{Name: "reload_services", Handle: noParams(h.reloadServices)},

		{Name: "get_status", Handle: noParams(h.getStatus)},
		{Name: "restart_service", Params: []Field{required("service", String)}, Handle: typed(h.restartService)},

		{Name: "create_backup", Params: []Field{
			required("name", String),
			required("source_path", String),
		}, Handle: typed(h.createBackup)},
		{Name: "create_db_backup", Params: []Field{required("db_name", String)}, Handle: typed(h.createDBBackup)},
		{Name: "restore_backup", Params: []Field{
			required("path", String),
			required("target_path", String),
		}, Handle: typed(h.restoreBackup)},
		{Name: "restore_db_backup", Params: []Field{
			required("path", String),
			required("db_name", String),
		}, Handle: typed(h.restoreDBBackup)},

		{Name: "create_database", Params: []Field{
			required("name", String),
			required("user", String),
			required("password", String),
			optional("type", String),
		}, Handle: typed(h.createDatabase)},
		{Name: "delete_database", Params: []Field{required("name", String)}, Handle: typed(h.deleteDatabase)},
		{Name: "list_databases", Handle: noParams(h.listDatabases)},
		{Name: "get_database_size", Params: []Field{required("name", String)}, Handle: typed(h.databaseSize)},

		{Name: "create_ftp_user", Params: []Field{
			required("username", String),
			required("password", String),
			required("homedir", String),
		}, Handle: typed(h.createFTPUser)},
		{Name: "delete_ftp_user", Params: []Field{required("username", String)}, Handle: typed(h.deleteFTPUser)},
		{Name: "list_ftp_users", Handle: noParams(h.listFTPUsers)},

		{Name: "get_directory_size", Params: []Field{required("path", String)}, Handle: typed(h.directorySize)},

		{Name: "update_cron_jobs", Params: []Field{
			required("user", String),
			required("jobs", Array),
		}, Handle: typed(h.updateCronJobs)},
		{Name: "list_cron_jobs", Params: []Field{required("user", String)}, Handle: typed(h.listCronJobs)},

		{Name: "update_dns_zone", Params: []Field{
			required("domain", String),
			required("records", Array),
		}, Handle: typed(h.updateDNSZone)},
		{Name: "delete_dns_zone", Params: []Field{required("domain", String)}, Handle: typed(h.deleteDNSZone)},

		{Name: "request_ssl_cert", Params: []Field{
			required("domain", String),
			optional("email", String),
		}, Handle: typed(h.requestSSLCert)},

		{Name: "update_email_account", Params: []Field{
			required("email", String),
			required("password", String),
			optional("quota_mb", Uint),
		}, Handle: typed(h.updateEmailAccount)},
		{Name: "delete_email_account", Params: []Field{required("email", String)}, Handle: typed(h.deleteEmailAccount)},

		{Name: "get_system_stats", Handle: noParams(h.systemStats)},

		{Name: "list_files", Params: []Field{required("path", String)}, Handle: typed(h.listFiles)},
		{Name: "read_file", Params: []Field{required("path", String)}, Handle: typed(h.readFile)},
		{Name: "write_file", Params: []Field{
			required("path", String),
			required("content", String),
		}, Handle: typed(h.writeFile)},
		{Name: "delete_file", Params: []Field{required("path", String)}, Handle: typed(h.deleteFile)},
		{Name: "create_directory", Params: []Field{required("path", String)}, Handle: typed(h.createDirectory)},
		{Name: "rename_file", Params: []Field{
			{Name: "from", Kind: String, Required: true, Message: "Missing from path"},
			{Name: "to", Kind: String, Required: true, Message: "Missing to path"},
		}, Handle: typed(h.renameFile)},

		{Name: "get_logs", Params: []Field{
			optional("type", String),
			optional("lines", Uint),
		}, Handle: typed(h.getLogs)},
		{Name: "get_service_logs", Params: []Field{
			required("service", String),
			optional("lines", Uint),
		}, Handle: typed(h.getServiceLogs)},

		{Name: "apply_firewall_rule", Params: []Field{
			required("port", Uint),
			optional("protocol", String),
			optional("action", String),
			optional("source", String),
		}, Handle: typed(h.applyFirewallRule)},
		{Name: "delete_firewall_rule", Params: []Field{
			required("port", Uint),
			optional("protocol", String),
			optional("action", String),
		}, Handle: typed(h.deleteFirewallRule)},
		{Name: "toggle_firewall", Params: []Field{
			{Name: "enable", Kind: Bool, Required: true, Message: "Missing enable parameter"},
		}, Handle: typed(h.toggleFirewall)},
		{Name: "get_firewall_status", Handle: noParams(h.firewallStatus)},
	}
}

func (h *handlers) ping(context.Context) (any, error) {
	return "pong", nil
}

// vhosts

type createVHostParams struct {
	Domain             string `json:"domain"`
	User               string `json:"user"`
	Root               string `json:"root"`
	PHPVersion         string `json:"php_version"`
	HasSSL             bool   `json:"has_ssl"`
	SSLCertificatePath string `json:"ssl_certificate_path"`
	SSLKeyPath         string `json:"ssl_key_path"`
}

func (h *handlers) createVHost(ctx context.Context, p *createVHostParams) (any, error) {
	return h.vhosts.Create(ctx, provision.VHost{
		Domain:             p.Domain,
		User:               p.User,
		Root:               p.Root,
		PHPVersion:         p.PHPVersion,
		HasSSL:             p.HasSSL,
		SSLCertificatePath: p.SSLCertificatePath,
		SSLKeyPath:         p.SSLKeyPath,
	})
}

type deleteVHostParams struct {
	Domain     string `json:"domain"`
	User       string `json:"user"`
	PHPVersion string `json:"php_version"`
}

func (h *handlers) deleteVHost(ctx context.Context, p *deleteVHostParams) (any, error) {
	version := p.PHPVersion
	if version == "" {
		version = h.phpVersion
	}
	return h.vhosts.Delete(ctx, p.Domain, p.User, version)
}

func (h *handlers) listVHosts(context.Context) (any, error) {
	return h.vhosts.List()
}

func (h *handlers) reloadServices(ctx context.Context) (any, error) {
	return h.vhosts.Reload(ctx)
}

// services

func (h *handlers) getStatus(ctx context.Context) (any, error) {
	return h.host.Status(ctx), nil
}

type serviceParams struct {
	Service string `json:"service"`
}

func (h *handlers) restartService(ctx context.Context, p *serviceParams) (any, error) {
	return h.host.RestartService(ctx, p.Service)
}

// backups

type backupParams struct {
	Name       string `json:"name"`
	SourcePath string `json:"source_path"`
}

func (h *handlers) createBackup(ctx context.Context, p *backupParams) (any, error) {
	return h.host.CreateBackup(ctx, p.Name, p.SourcePath)
}

type dbBackupParams struct {
	DBName string `json:"db_name"`
}

func (h *handlers) createDBBackup(ctx context.Context, p *dbBackupParams) (any, error) {
	return h.host.CreateDBBackup(ctx, p.DBName)
}

type restoreParams struct {
	Path       string `json:"path"`
	TargetPath string `json:"target_path"`
}

func (h *handlers) restoreBackup(ctx context.Context, p *restoreParams) (any, error) {
	return h.host.RestoreBackup(ctx, p.Path, p.TargetPath)
}

type restoreDBParams struct {
	Path   string `json:"path"`
	DBName string `json:"db_name"`
}

func (h *handlers) restoreDBBackup(ctx context.Context, p *restoreDBParams) (any, error) {
	return h.host.RestoreDBBackup(ctx, p.Path, p.DBName)
}

// databases

type databaseParams struct {
	Name     string `json:"name"`
	User     string `json:"user"`
	Password string `json:"password"`
	Type     string `json:"type"`
}

func (p *databaseParams) setDefaults() {
	p.Type = "mysql"
}

func (h *handlers) createDatabase(ctx context.Context, p *databaseParams) (any, error) {
	return h.host.CreateDatabase(ctx, host.Database{Name: p.Name, User: p.User, Password: p.Password, Type: p.Type})
}

type nameParams struct {
	Name string `json:"name"`
}

func (h *handlers) deleteDatabase(ctx context.Context, p *nameParams) (any, error) {
	return h.host.DeleteDatabase(ctx, p.Name)
}

func (h *handlers) listDatabases(context.Context) (any, error) {
	return h.host.ListDatabases()
}

func (h *handlers) databaseSize(ctx context.Context, p *nameParams) (any, error) {
	return h.host.DatabaseSize(ctx, p.Name)
}

// ftp

type ftpUserParams struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Homedir  string `json:"homedir"`
}

func (h *handlers) createFTPUser(_ context.Context, p *ftpUserParams) (any, error) {
	return h.host.CreateFTPUser(p.Username, p.Homedir)
}

type usernameParams struct {
	Username string `json:"username"`
}

func (h *handlers) deleteFTPUser(_ context.Context, p *usernameParams) (any, error) {
	return h.host.DeleteFTPUser(p.Username)
}

func (h *handlers) listFTPUsers(context.Context) (any, error) {
	return h.host.ListFTPUsers()
}

// cron

type cronParams struct {
	User string         `json:"user"`
	Jobs []host.CronJob `json:"jobs"`
}

func (h *handlers) updateCronJobs(ctx context.Context, p *cronParams) (any, error) {
	return h.host.UpdateCronJobs(ctx, p.User, p.Jobs)
}

type userParams struct {
	User string `json:"user"`
}

func (h *handlers) listCronJobs(_ context.Context, p *userParams) (any, error) {
	return h.host.ListCronJobs(p.User)
}

// dns, ssl, email

type zoneParams struct {
	Domain  string           `json:"domain"`
	Records []host.DNSRecord `json:"records"`
}

func (h *handlers) updateDNSZone(_ context.Context, p *zoneParams) (any, error) {
	return h.host.UpdateZone(p.Domain, p.Records)
}

type domainParams struct {
	Domain string `json:"domain"`
}

func (h *handlers) deleteDNSZone(_ context.Context, p *domainParams) (any, error) {
	return h.host.DeleteZone(p.Domain)
}

type sslParams struct {
	Domain string `json:"domain"`
	Email  string `json:"email"`
}

func (p *sslParams) setDefaults() {
	p.Email = host.DefaultCertEmail
}

func (h *handlers) requestSSLCert(ctx context.Context, p *sslParams) (any, error) {
	return h.host.RequestCertificate(ctx, p.Domain, p.Email)
}

type emailParams struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	QuotaMB  uint64 `json:"quota_mb"`
}

func (h *handlers) updateEmailAccount(_ context.Context, p *emailParams) (any, error) {
	return h.host.UpdateEmailAccount(p.Email, p.QuotaMB)
}

func (h *handlers) deleteEmailAccount(_ context.Context, p *emailParams) (any, error) {
	return h.host.DeleteEmailAccount(p.Email)
}

func (h *handlers) systemStats(ctx context.Context) (any, error) {
	return h.host.SystemStats(ctx)
}

// files

type pathParams struct {
	Path string `json:"path"`
}

func (h *handlers) directorySize(ctx context.Context, p *pathParams) (any, error) {
	return h.host.DirectorySize(ctx, p.Path)
}

func (h *handlers) listFiles(_ context.Context, p *pathParams) (any, error) {
	return h.host.ListFiles(p.Path)
}

func (h *handlers) readFile(_ context.Context, p *pathParams) (any, error) {
	return h.host.ReadFile(p.Path)
}

type writeParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (h *handlers) writeFile(_ context.Context, p *writeParams) (any, error) {
	return h.host.WriteFile(p.Path, p.Content)
}

func (h *handlers) deleteFile(_ context.Context, p *pathParams) (any, error) {
	return h.host.DeleteFile(p.Path)
}

func (h *handlers) createDirectory(_ context.Context, p *pathParams) (any, error) {
	return h.host.CreateDirectory(p.Path)
}

type renameParams struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (h *handlers) renameFile(_ context.Context, p *renameParams) (any, error) {
	return h.host.RenameFile(p.From, p.To)
}

// logs

type logsParams struct {
	Type  string `json:"type"`
	Lines uint64 `json:"lines"`
}

func (p *logsParams) setDefaults() {
	p.Type = "daemon"
	p.Lines = host.DefaultLogLines
}

func (h *handlers) getLogs(ctx context.Context, p *logsParams) (any, error) {
	return h.host.Logs(ctx, p.Type, p.Lines)
}

type serviceLogsParams struct {
	Service string `json:"service"`
	Lines   uint64 `json:"lines"`
}

func (p *serviceLogsParams) setDefaults() {
	p.Lines = host.DefaultLogLines
}

func (h *handlers) getServiceLogs(ctx context.Context, p *serviceLogsParams) (any, error) {
	return h.host.ServiceLogs(ctx, p.Service, p.Lines)
}

// firewall

type firewallRuleParams struct {
	Port     uint64 `json:"port"`
	Protocol string `json:"protocol"`
	Action   string `json:"action"`
	Source   string `json:"source"`
}

func (p *firewallRuleParams) setDefaults() {
	p.Protocol = "tcp"
	p.Action = "allow"
	p.Source = "any"
}

func (p *firewallRuleParams) rule() host.FirewallRule {
	return host.FirewallRule{Port: p.Port, Protocol: p.Protocol, Action: p.Action, Source: p.Source}
}

func (h *handlers) applyFirewallRule(ctx context.Context, p *firewallRuleParams) (any, error) {
	return h.host.ApplyFirewallRule(ctx, p.rule())
}

func (h *handlers) deleteFirewallRule(ctx context.Context, p *firewallRuleParams) (any, error) {
	return h.host.DeleteFirewallRule(ctx, p.rule())
}

type toggleParams struct {
	Enable bool `json:"enable"`
}

// toggleFirewall records the new state only once ufw has accepted it.
func (h *handlers) toggleFirewall(ctx context.Context, p *toggleParams) (any, error) {
	var msg string
	err := h.state.ChangeFirewall(func() (bool, error) {
		var err error
		msg, err = h.host.SetFirewall(ctx, p.Enable)
		return p.Enable, err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// firewallStatus refreshes the shared state from the live ufw status.
func (h *handlers) firewallStatus(ctx context.Context) (any, error) {
	var status *host.FirewallStatus
	err := h.state.ChangeFirewall(func() (bool, error) {
		var err error
		status, err = h.host.FirewallStatus(ctx)
		if err != nil {
			return false, err
		}
		return status.Active(), nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}
