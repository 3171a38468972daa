package api

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>tusq</title>
<style>
*,*::before,*::after{box-sizing:border-box;margin:0;padding:0}
:root{
  --bg:#0f1117;--bg-card:#161b22;--border:#30363d;--text:#e1e4e8;
  --text-muted:#8b949e;--primary:#58a6ff;--green:#3fb950;--red:#f85149;--yellow:#d29922;
  --radius:8px;
}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Helvetica,Arial,sans-serif;background:var(--bg);color:var(--text);line-height:1.5;min-height:100vh}
a{color:var(--primary);text-decoration:none}
.container{max-width:1100px;margin:0 auto;padding:32px 24px 48px}
h1{font-size:20px;margin-bottom:4px}
.sub{color:var(--text-muted);font-size:13px;margin-bottom:24px}
table{width:100%;border-collapse:collapse;background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);overflow:hidden}
th,td{text-align:left;padding:10px 14px;font-size:13px;border-bottom:1px solid var(--border)}
th{color:var(--text-muted);font-weight:600;text-transform:uppercase;font-size:11px;letter-spacing:.04em}
tr:last-child td{border-bottom:none}
.badge{display:inline-block;padding:2px 8px;border-radius:999px;font-size:11px;font-weight:600}
.badge-ok{background:rgba(63,185,80,.15);color:var(--green)}
.badge-warn{background:rgba(210,153,34,.15);color:var(--yellow)}
.badge-err{background:rgba(248,81,73,.15);color:var(--red)}
.muted{color:var(--text-muted)}
footer{margin-top:24px;font-size:12px;color:var(--text-muted)}
</style>
</head>
<body>
<div class="container">
  <h1>tusq</h1>
  <div class="sub" id="statusLine">loading…</div>
  <table>
    <thead>
      <tr><th>Database</th><th>Active</th><th>Idle</th><th>Total</th><th>Waiting</th><th>Max</th><th>Exhausted</th></tr>
    </thead>
    <tbody id="rows"></tbody>
  </table>
  <footer>auto-refreshes every 3s &middot; <a href="/metrics">/metrics</a> &middot; <a href="/status">/status</a></footer>
</div>
<script>
(function(){
  function fmtUptime(s){
    var d=Math.floor(s/86400), h=Math.floor((s%86400)/3600), m=Math.floor((s%3600)/60);
    return d+"d "+h+"h "+m+"m";
  }
  function badge(used, max){
    if (max <= 0) return '<span class="badge badge-ok">n/a</span>';
    var pct = used/max*100;
    var cls = pct >= 95 ? "badge-err" : pct >= 80 ? "badge-warn" : "badge-ok";
    return '<span class="badge '+cls+'">'+Math.round(pct)+'%</span>';
  }
  function render(){
    fetch('/status').then(function(r){return r.json()}).then(function(s){
      document.getElementById('statusLine').textContent =
        s.num_databases+' database(s) configured · uptime '+fmtUptime(s.uptime_seconds)+' · '+s.go_version;
    }).catch(function(){});

    fetch('/databases').then(function(r){return r.json()}).then(function(list){
      var rows = (list || []).map(function(d){
        var st = d.stats || {active:0,idle:0,total:0,waiting:0,max_connections:0,pool_exhausted_total:0};
        return '<tr><td>'+d.alias+'</td><td>'+st.active+'</td><td>'+st.idle+'</td><td>'+st.total+
          ' '+badge(st.total, st.max_connections)+'</td><td>'+st.waiting+'</td><td>'+st.max_connections+
          '</td><td class="muted">'+st.pool_exhausted_total+'</td></tr>';
      }).join('');
      document.getElementById('rows').innerHTML = rows || '<tr><td colspan="7" class="muted">no databases configured</td></tr>';
    }).catch(function(){});
  }
  render();
  setInterval(render, 3000);
})();
</script>
</body>
</html>
`
